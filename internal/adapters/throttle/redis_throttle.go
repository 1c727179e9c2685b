// Package throttle provides Redis-backed admission control: a windowed
// rate limit and a failure-count circuit breaker, keyed per scope and job
// type. Both fail open; losing Redis degrades throttling, never item
// processing.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rankhive/orchestrator/internal/observability/metrics"
)

// CounterStore is a Redis-backed keyed counter with expiry.
type CounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewCounterStore creates a CounterStore with the default key prefix.
func NewCounterStore(client redis.UniversalClient) *CounterStore {
	return &CounterStore{client: client, prefix: "throttle:"}
}

// IncrWithExpiry increments the counter and starts its expiry window on
// first increment. Returns the post-increment value.
func (s *CounterStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := s.prefix + key
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Get returns the current counter value, zero when the key is absent.
func (s *CounterStore) Get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, s.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// Delete removes the counter.
func (s *CounterStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// counterOps is the slice of CounterStore behavior the admission gate needs.
type counterOps interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// GateConfig tunes the admission gate.
type GateConfig struct {
	// RateLimit is the maximum admissions per window per (scope, job type).
	// Zero disables rate limiting.
	RateLimit int64
	// RateWindow is the rate limit window length.
	RateWindow time.Duration
	// BreakerThreshold trips the breaker after this many failures in the
	// breaker window. Zero disables the breaker.
	BreakerThreshold int64
	// BreakerWindow is how long failures count against the breaker.
	BreakerWindow time.Duration
}

// GateOptions groups dependencies for Gate.
type GateOptions struct {
	Store  counterOps // Required: counter store
	Config GateConfig
	Logger *slog.Logger // Optional: structured logger
}

// Gate combines a windowed rate limit with a failure-count breaker.
type Gate struct {
	store  counterOps
	cfg    GateConfig
	logger *slog.Logger
}

// NewGate constructs a new Gate.
func NewGate(opts GateOptions) (*Gate, error) {
	if opts.Store == nil {
		return nil, errors.New("counter store is required")
	}
	cfg := opts.Config
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.BreakerWindow <= 0 {
		cfg.BreakerWindow = 5 * time.Minute
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "throttle_gate")
	}
	return &Gate{store: opts.Store, cfg: cfg, logger: logger}, nil
}

func rateKey(scopeID, jobType string) string    { return "rate:" + scopeID + ":" + jobType }
func breakerKey(scopeID, jobType string) string { return "breaker:" + scopeID + ":" + jobType }

// Allow reports whether work for the (scope, job type) pair should be
// admitted right now. Store errors admit the work.
func (g *Gate) Allow(ctx context.Context, scopeID, jobType string) bool {
	if g.cfg.BreakerThreshold > 0 {
		failures, err := g.store.Get(ctx, breakerKey(scopeID, jobType))
		if err != nil {
			g.warn(ctx, "breaker check failed, admitting", scopeID, jobType, err)
			return true
		}
		if failures >= g.cfg.BreakerThreshold {
			metrics.ThrottleRejects.Inc()
			return false
		}
	}

	if g.cfg.RateLimit > 0 {
		n, err := g.store.IncrWithExpiry(ctx, rateKey(scopeID, jobType), g.cfg.RateWindow)
		if err != nil {
			g.warn(ctx, "rate check failed, admitting", scopeID, jobType, err)
			return true
		}
		if n > g.cfg.RateLimit {
			metrics.ThrottleRejects.Inc()
			return false
		}
	}
	return true
}

// RecordFailure counts one handler failure against the breaker.
func (g *Gate) RecordFailure(ctx context.Context, scopeID, jobType string) {
	if g.cfg.BreakerThreshold <= 0 {
		return
	}
	if _, err := g.store.IncrWithExpiry(ctx, breakerKey(scopeID, jobType), g.cfg.BreakerWindow); err != nil {
		g.warn(ctx, "breaker increment failed", scopeID, jobType, err)
	}
}

// RecordSuccess resets the breaker for the pair.
func (g *Gate) RecordSuccess(ctx context.Context, scopeID, jobType string) {
	if g.cfg.BreakerThreshold <= 0 {
		return
	}
	if err := g.store.Delete(ctx, breakerKey(scopeID, jobType)); err != nil {
		g.warn(ctx, "breaker reset failed", scopeID, jobType, err)
	}
}

func (g *Gate) warn(ctx context.Context, msg, scopeID, jobType string, err error) {
	if g.logger != nil {
		g.logger.WarnContext(ctx, msg,
			"scope_id", scopeID,
			"job_type", jobType,
			"error", err,
		)
	}
}
