package itemrunner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
)

// ErrorCodeThrottled marks items rejected by the admission gate. The item
// fails with this code and stays retryable; no work was attempted.
const ErrorCodeThrottled = "throttled"

// AdmissionGate is the throttling behavior a gated handler consults.
type AdmissionGate interface {
	Allow(ctx context.Context, scopeID, jobType string) bool
	RecordFailure(ctx context.Context, scopeID, jobType string)
	RecordSuccess(ctx context.Context, scopeID, jobType string)
}

// GatedHandler wraps a handler with per (scope, job type) admission
// control and failure accounting.
type GatedHandler struct {
	inner core.Handler
	gate  AdmissionGate
}

// NewGatedHandler wraps inner with the gate. A nil gate returns inner
// unchanged.
func NewGatedHandler(inner core.Handler, gate AdmissionGate) core.Handler {
	if gate == nil {
		return inner
	}
	return &GatedHandler{inner: inner, gate: gate}
}

// Handle consults the gate, runs the inner handler, and feeds the verdict
// back into the breaker.
func (h *GatedHandler) Handle(ctx context.Context, job *model.Job, item *model.Item) error {
	scopeID, jobType := job.ScopeID, string(job.Type)
	if !h.gate.Allow(ctx, scopeID, jobType) {
		return fmt.Errorf("%s: admission rejected for scope %s job type %s", ErrorCodeThrottled, scopeID, jobType)
	}
	if err := h.inner.Handle(ctx, job, item); err != nil {
		h.gate.RecordFailure(ctx, scopeID, jobType)
		return err
	}
	h.gate.RecordSuccess(ctx, scopeID, jobType)
	return nil
}

// StubHandler acknowledges items without doing domain work. It stands in
// for the campaign handlers until they are wired to the crawler and
// scheduling services.
type StubHandler struct {
	Logger *slog.Logger
}

// Handle implements core.Handler.
func (h *StubHandler) Handle(ctx context.Context, job *model.Job, item *model.Item) error {
	if h.Logger != nil {
		h.Logger.InfoContext(ctx, "stub handler processed item",
			"job_id", job.ID,
			"job_type", job.Type,
			"item_key", item.ItemKey,
		)
	}
	return nil
}
