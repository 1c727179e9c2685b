// Package reaper runs the periodic stale-work recovery loop. It sweeps
// items stuck in running (worker crashed before a verdict) and execution
// records stuck in running (process died mid-compute), in bounded batches.
package reaper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/observability/metrics"
)

// ItemSweeper is the job-store side of stale recovery.
type ItemSweeper interface {
	FailStaleRunningItems(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// ExecutionSweeper is the ledger side of stale recovery.
type ExecutionSweeper interface {
	RecoverStaleRunning(ctx context.Context, params core.RecoverStaleParams) (int64, error)
}

// RunnerOptions groups dependencies and tuning for the Runner.
type RunnerOptions struct {
	Items      ItemSweeper      // Required: job item store
	Executions ExecutionSweeper // Required: execution ledger

	Interval         time.Duration // Optional: sweep interval; defaults to 1m
	ItemMaxAge       time.Duration // Optional: running item age cutoff; defaults to 15m
	ExecutionTimeout time.Duration // Optional: running execution age cutoff; defaults to 15m
	BatchSize        int           // Optional: rows per sweep batch; defaults to 100
	Logger           *slog.Logger  // Optional: structured logger
}

// Runner performs the recovery sweeps at a fixed interval until its
// context is cancelled.
type Runner struct {
	items      ItemSweeper
	executions ExecutionSweeper

	interval         time.Duration
	itemMaxAge       time.Duration
	executionTimeout time.Duration
	batchSize        int
	logger           *slog.Logger
}

// NewRunner constructs a new Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Items == nil {
		return nil, errors.New("item sweeper is required")
	}
	if opts.Executions == nil {
		return nil, errors.New("execution sweeper is required")
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	itemMaxAge := opts.ItemMaxAge
	if itemMaxAge <= 0 {
		itemMaxAge = 15 * time.Minute
	}
	executionTimeout := opts.ExecutionTimeout
	if executionTimeout <= 0 {
		executionTimeout = 15 * time.Minute
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		items:            opts.Items,
		executions:       opts.Executions,
		interval:         interval,
		itemMaxAge:       itemMaxAge,
		executionTimeout: executionTimeout,
		batchSize:        batchSize,
		logger:           logger.With("component", "reaper"),
	}, nil
}

// Run sweeps once, then at every interval tick until the context is
// cancelled. Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper",
		"interval", r.interval,
		"item_max_age", r.itemMaxAge,
		"execution_timeout", r.executionTimeout,
	)

	// Jitter spreads sweep starts when several instances boot together.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.sweep(ctx); err != nil {
		r.logSweepError(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logSweepError(ctx, err)
			}
		}
	}
}

// sweep runs both recovery passes. A failure in one pass does not stop
// the other.
func (r *Runner) sweep(ctx context.Context) error {
	var errs []error

	if count, err := r.sweepItems(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sweep stale items: %w", err))
	} else if count > 0 {
		metrics.StaleRecovered.WithLabelValues("item").Add(float64(count))
	}

	if count, err := r.sweepExecutions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sweep stale executions: %w", err))
	} else if count > 0 {
		metrics.StaleRecovered.WithLabelValues("execution").Add(float64(count))
	}

	return errors.Join(errs...)
}

// sweepItems drains stale running items batch by batch so a large backlog
// cannot hold locks for a full pass.
func (r *Runner) sweepItems(ctx context.Context) (int64, error) {
	var total int64
	for {
		count, err := r.items.FailStaleRunningItems(ctx, r.itemMaxAge, r.batchSize)
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "failed stale running items",
			"count", total,
			"max_age", r.itemMaxAge,
		)
	}
	return total, nil
}

func (r *Runner) sweepExecutions(ctx context.Context) (int64, error) {
	var total int64
	for {
		count, err := r.executions.RecoverStaleRunning(ctx, core.RecoverStaleParams{
			Timeout:   r.executionTimeout,
			BatchSize: r.batchSize,
		})
		if err != nil {
			return total, err
		}
		total += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		r.logger.InfoContext(ctx, "recovered stale running executions",
			"count", total,
			"timeout", r.executionTimeout,
		)
	}
	return total, nil
}

// waitWithJitter sleeps up to 10% of the interval before the first sweep.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

func (r *Runner) logSweepError(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.DebugContext(ctx, "sweep cancelled by context", "error", err)
		return
	}
	r.logger.ErrorContext(ctx, "sweep failed", "error", err)
}
