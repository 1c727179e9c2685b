// Package itemrunner pulls item tasks from the queue and drives each one
// through the claim, handle, finish cycle.
package itemrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rankhive/orchestrator/internal/adapters/queue"
	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
	"github.com/rankhive/orchestrator/internal/observability/metrics"
)

// ErrorCodeNoHandler marks items whose job type has no registered handler.
const ErrorCodeNoHandler = "no_handler"

// ErrorCodeHandlerPanic marks items whose handler panicked.
const ErrorCodeHandlerPanic = "handler_panic"

// TaskSource is the consuming side of the task queue.
type TaskSource interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (*queue.Task, error)
}

// RunnerOptions configures the item runner.
type RunnerOptions struct {
	Source     TaskSource                     // Required: task queue consumer
	Repo       core.JobRepository             // Required: job repository
	Dispatcher core.Dispatcher                // Required: scope dispatcher
	Handlers   map[model.JobType]core.Handler // Required: at least one handler

	Queue       string        // Optional: queue name; defaults to the dispatcher's
	Concurrency int           // Optional: worker goroutines; defaults to 1
	PollTimeout time.Duration // Optional: dequeue block time; defaults to 5s
	Logger      *slog.Logger  // Optional: structured logger
}

// Runner processes item tasks with a pool of workers. Claiming before
// acting makes duplicate and stale deliveries harmless: a task whose item
// is no longer claimable is dropped without effect.
type Runner struct {
	source      TaskSource
	repo        core.JobRepository
	dispatcher  core.Dispatcher
	handlers    map[model.JobType]core.Handler
	queue       string
	workers     int
	pollTimeout time.Duration
	logger      *slog.Logger
}

// NewRunner constructs a new Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Source == nil {
		return nil, errors.New("task source is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("Dispatcher is required")
	}
	if len(opts.Handlers) == 0 {
		return nil, errors.New("at least one handler is required")
	}

	q := opts.Queue
	if q == "" {
		q = "orchestrator:items"
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		source:      opts.Source,
		repo:        opts.Repo,
		dispatcher:  opts.Dispatcher,
		handlers:    opts.Handlers,
		queue:       q,
		workers:     workers,
		pollTimeout: pollTimeout,
		logger:      logger.With("component", "item_runner"),
	}, nil
}

// Run starts the worker pool and processes tasks until the context is
// cancelled. The first worker error cancels all workers.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting item runner",
		"queue", r.queue,
		"workers", r.workers,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	for range r.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.workerLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- err:
					cancel()
				default:
				}
			}
		}()
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return ctx.Err()
	}
}

func (r *Runner) workerLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		task, err := r.source.Dequeue(ctx, r.queue, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if task == nil {
			continue
		}
		r.processTask(ctx, task)
	}
	return ctx.Err()
}

func (r *Runner) processTask(ctx context.Context, task *queue.Task) {
	started, err := r.repo.StartItem(ctx, task.ItemID)
	if err != nil {
		r.logger.ErrorContext(ctx, "start item failed",
			"item_id", task.ItemID,
			"error", err,
		)
		return
	}
	if started == nil {
		// Duplicate delivery, concurrent claim, or cancelled job.
		return
	}

	job, item := started.Job, started.Item
	outcome := r.handle(ctx, job, item)

	finished, err := r.repo.FinishItem(ctx, core.FinishItemParams{
		ItemID:  item.ID,
		Outcome: outcome,
	})
	if err != nil {
		// The reaper will fail the item as stale if no later verdict lands.
		r.logger.ErrorContext(ctx, "finish item failed",
			"item_id", item.ID,
			"job_id", job.ID,
			"error", err,
		)
	} else if !finished.Ignored {
		result := "succeeded"
		if !outcome.Succeeded {
			result = "failed"
		}
		metrics.ItemsProcessed.WithLabelValues(string(job.Type), result).Inc()
		if finished.Job != nil && finished.Job.Status.Terminal() {
			metrics.JobsSettled.WithLabelValues(string(job.Type), string(finished.Job.Status)).Inc()
			r.logger.InfoContext(ctx, "job settled",
				"job_id", finished.Job.ID,
				"status", finished.Job.Status,
				"succeeded", finished.Job.Counters.Succeeded,
				"failed", finished.Job.Counters.Failed,
			)
		}
	}

	// A finished item frees a slot; fill it immediately.
	if _, dispErr := r.dispatcher.Dispatch(ctx, job.ScopeID); dispErr != nil {
		r.logger.WarnContext(ctx, "post-verdict dispatch failed",
			"scope_id", job.ScopeID,
			"error", dispErr,
		)
	}
}

// handle runs the job type's handler and converts its result, including
// panics and a missing handler, into an item outcome.
func (r *Runner) handle(ctx context.Context, job *model.Job, item *model.Item) (outcome model.ItemOutcome) {
	handler, ok := r.handlers[job.Type]
	if !ok {
		return model.ItemOutcome{
			ErrorCode:   ErrorCodeNoHandler,
			ErrorDetail: fmt.Sprintf("no handler registered for job type %s", job.Type),
		}
	}

	start := time.Now()
	defer func() {
		metrics.ItemDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "handler panicked",
				"job_id", job.ID,
				"item_id", item.ID,
				"panic", rec,
			)
			outcome = model.ItemOutcome{
				ErrorCode:   ErrorCodeHandlerPanic,
				ErrorDetail: fmt.Sprintf("%v", rec),
			}
		}
	}()

	if err := handler.Handle(ctx, job, item); err != nil {
		return model.ItemOutcome{
			ErrorCode:   "handler_error",
			ErrorDetail: err.Error(),
		}
	}
	return model.ItemOutcome{Succeeded: true}
}
