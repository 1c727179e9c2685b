// Package service holds the business logic between the transport-facing
// surfaces and the repositories.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/observability/metrics"
)

// TaskProcessItem is the task name the dispatcher publishes for item work.
const TaskProcessItem = "process_item"

// DefaultItemQueue is the queue the dispatcher publishes to when no
// override is configured.
const DefaultItemQueue = "orchestrator:items"

// DispatchServiceOptions groups dependencies for DispatchService.
type DispatchServiceOptions struct {
	Repo   core.JobRepository // Required: job repository
	Broker core.QueueBroker   // Required: task queue broker
	Queue  string             // Optional: queue name override
	Logger *slog.Logger       // Optional: structured logger
}

// DispatchService admits queued items to the task queue within each scope's
// concurrency budget. It never mutates item status; an enqueued item stays
// queued until a worker claims it, so a crash after enqueue costs nothing
// but a duplicate delivery.
type DispatchService struct {
	repo   core.JobRepository
	broker core.QueueBroker
	queue  string
	logger *slog.Logger
}

// NewDispatchService constructs a new DispatchService.
func NewDispatchService(opts DispatchServiceOptions) (*DispatchService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Broker == nil {
		return nil, errors.New("QueueBroker is required")
	}
	queue := opts.Queue
	if queue == "" {
		queue = DefaultItemQueue
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatch_service")
	}
	return &DispatchService{
		repo:   opts.Repo,
		broker: opts.Broker,
		queue:  queue,
		logger: logger,
	}, nil
}

// MustNewDispatchService constructs a new DispatchService and panics on error.
func MustNewDispatchService(opts DispatchServiceOptions) *DispatchService {
	svc, err := NewDispatchService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create DispatchService: %v", err))
	}
	return svc
}

// Dispatch fills the scope's free concurrency slots with its oldest queued
// items and returns how many were enqueued. With zero free slots it is a
// no-op; the next finishing item triggers another pass.
func (s *DispatchService) Dispatch(ctx context.Context, scopeID string) (int, error) {
	scope, err := s.repo.GetScope(ctx, scopeID)
	if err != nil {
		return 0, fmt.Errorf("get scope: %w", err)
	}

	running, err := s.repo.CountRunningItems(ctx, scopeID)
	if err != nil {
		return 0, fmt.Errorf("count running items: %w", err)
	}

	slots := scope.EffectiveCap() - running
	if slots <= 0 {
		return 0, nil
	}

	itemIDs, err := s.repo.SelectDispatchable(ctx, scopeID, slots)
	if err != nil {
		return 0, fmt.Errorf("select dispatchable items: %w", err)
	}

	enqueued := 0
	for _, itemID := range itemIDs {
		if enqErr := s.broker.Enqueue(ctx, TaskProcessItem, itemID, s.queue); enqErr != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "enqueue item failed",
					"scope_id", scopeID,
					"item_id", itemID,
					"error", enqErr,
				)
			}
			return enqueued, fmt.Errorf("enqueue item %s: %w", itemID, enqErr)
		}
		enqueued++
	}

	if enqueued > 0 {
		metrics.ItemsDispatched.WithLabelValues(scopeID).Add(float64(enqueued))
		if s.logger != nil {
			s.logger.InfoContext(ctx, "dispatched items",
				"scope_id", scopeID,
				"count", enqueued,
				"cap", scope.EffectiveCap(),
				"running", running,
			)
		}
	}
	return enqueued, nil
}
