package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the item worker pool.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper runs the stale-work recovery loop.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeReaper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, reaper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains item worker service configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// Queue is the Redis list the worker consumes item tasks from.
	Queue string `env:"WORKER_QUEUE" envDefault:"orchestrator:items"`

	// PollTimeout is how long a dequeue blocks before re-checking shutdown.
	PollTimeout time.Duration `env:"WORKER_POLL_TIMEOUT" envDefault:"5s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if strings.TrimSpace(w.Queue) == "" {
		w.Queue = "orchestrator:items"
	}
	if w.PollTimeout < time.Second {
		w.PollTimeout = time.Second
	}
}

// ThrottleConfig contains admission gate configuration. Zero values
// disable the corresponding check.
type ThrottleConfig struct {
	// RateLimit is the maximum admissions per window per (scope, job type).
	RateLimit int64 `env:"THROTTLE_RATE_LIMIT" envDefault:"0"`

	// RateWindow is the rate limit window length.
	RateWindow time.Duration `env:"THROTTLE_RATE_WINDOW" envDefault:"1m"`

	// BreakerThreshold trips the breaker after this many handler failures
	// in the breaker window.
	BreakerThreshold int64 `env:"THROTTLE_BREAKER_THRESHOLD" envDefault:"0"`

	// BreakerWindow is how long failures count against the breaker.
	BreakerWindow time.Duration `env:"THROTTLE_BREAKER_WINDOW" envDefault:"5m"`
}

// Sanitize applies guardrails to throttle configuration values.
func (t *ThrottleConfig) Sanitize() {
	if t.RateLimit < 0 {
		t.RateLimit = 0
	}
	if t.BreakerThreshold < 0 {
		t.BreakerThreshold = 0
	}
	if t.RateWindow <= 0 {
		t.RateWindow = time.Minute
	}
	if t.BreakerWindow <= 0 {
		t.BreakerWindow = 5 * time.Minute
	}
}

// ReaperConfig contains stale-work recovery configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// ItemMaxAge is how long an item may sit in running before it is
	// force-failed as stale.
	ItemMaxAge time.Duration `env:"REAPER_ITEM_MAX_AGE" envDefault:"15m"`

	// ExecutionTimeout is how long an execution record may sit in running
	// before it is force-failed as stale.
	ExecutionTimeout time.Duration `env:"REAPER_EXECUTION_TIMEOUT" envDefault:"15m"`

	// BatchSize is the maximum number of rows to process per sweep batch.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"100"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	// Enforce minimums to prevent excessive database load and premature sweeps
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
	if r.ItemMaxAge < time.Minute {
		r.ItemMaxAge = time.Minute
	}
	if r.ExecutionTimeout < time.Minute {
		r.ExecutionTimeout = time.Minute
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 10000 {
		r.BatchSize = 10000
	}
}
