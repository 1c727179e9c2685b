package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo       core.JobRepository // Required: job repository
	Dispatcher core.Dispatcher    // Required: scope dispatcher
	Logger     *slog.Logger       // Optional: structured logger
}

// JobService provides business logic for bulk job operations: idempotent
// creation, status reads, cancellation, and failed-item retry. Every write
// that can free or create queued work ends with a dispatch pass for the
// affected scope.
type JobService struct {
	repo       core.JobRepository
	dispatcher core.Dispatcher
	logger     *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("Dispatcher is required")
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}
	return &JobService{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		logger:     logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create creates a job from the request, or returns the existing job when
// the idempotency key was seen before. Dispatch failures after a successful
// write are logged, not returned; the item processor and reaper re-dispatch
// on every verdict, so the enqueue is merely an optimization of latency.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error) {
	job, created, err := s.repo.CreateJob(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job create",
			"job_id", job.ID,
			"scope_id", job.ScopeID,
			"job_type", job.Type,
			"created", created,
			"items", job.Counters.Total,
		)
	}

	if n, dispErr := s.dispatcher.Dispatch(ctx, job.ScopeID); dispErr != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "post-create dispatch failed",
				"scope_id", job.ScopeID,
				"dispatched", n,
				"error", dispErr,
			)
		}
	}

	return job, created, nil
}

// Get returns the job with its current counters.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListItems returns the job's items in insertion order.
func (s *JobService) ListItems(ctx context.Context, jobID string) ([]*model.Item, error) {
	if _, err := s.repo.GetJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	items, err := s.repo.ListItems(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Cancel moves a queued or running job to cancelled. Items already running
// finish on their own; their verdicts are still recorded.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.repo.CancelJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled",
			"job_id", job.ID,
			"scope_id", job.ScopeID,
			"in_flight", job.Counters.Running,
		)
	}
	return job, nil
}

// Retry resets the job's failed items back to queued and dispatches the
// scope so freed slots fill immediately.
func (s *JobService) Retry(ctx context.Context, params core.RetryItemsParams) (int, error) {
	n, err := s.repo.RetryFailedItems(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("retry failed items: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "failed items reset",
			"job_id", params.JobID,
			"count", n,
		)
	}

	job, getErr := s.repo.GetJob(ctx, params.JobID)
	if getErr != nil {
		return n, fmt.Errorf("get job after retry: %w", getErr)
	}
	if _, dispErr := s.dispatcher.Dispatch(ctx, job.ScopeID); dispErr != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "post-retry dispatch failed",
				"scope_id", job.ScopeID,
				"error", dispErr,
			)
		}
	}
	return n, nil
}
