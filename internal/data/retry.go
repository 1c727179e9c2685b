package data

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// transientBackoff is the fixed backoff schedule for transient storage
// errors (lock contention, serialization conflicts). The whole operation is
// rolled back and re-attempted; non-transient errors propagate immediately.
var transientBackoff = []time.Duration{
	25 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
}

// withTransientRetry runs op, retrying on recognized transient conditions
// with the fixed backoff schedule. Errors are returned mapped through
// apperrors.MapDBError.
func withTransientRetry(ctx context.Context, logger *slog.Logger, name string, op func() error) error {
	attempts := len(transientBackoff) + 1
	var mapped error
	for attempt := 1; attempt <= attempts; attempt++ {
		mapped = apperrors.MapDBError(op())
		if mapped == nil {
			return nil
		}
		if !apperrors.IsTransient(mapped) || attempt == attempts {
			return mapped
		}
		if logger != nil {
			logger.WarnContext(ctx, "transient storage error, retrying",
				"op", name,
				"attempt", attempt,
				"error", mapped,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(transientBackoff[attempt-1]):
		}
	}
	return mapped
}
