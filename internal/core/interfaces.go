// Package core defines the ports between the orchestration services and
// their collaborators (stores, queue broker, throttle counters, handlers).
// Service implementations depend on these interfaces, not on concrete types.
package core

import (
	"context"
	"time"

	"github.com/rankhive/orchestrator/internal/domain/model"
)

// JobRepository defines the data operations of the job/item store.
type JobRepository interface {
	// CreateJob inserts a job and its items in one transaction. Replay of the
	// same (scope, type, idempotency key) returns the existing job and
	// created=false; a unique-constraint race loser re-queries the winner.
	CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	GetScope(ctx context.Context, scopeID string) (*model.Scope, error)
	ListItems(ctx context.Context, jobID string) ([]*model.Item, error)

	// CountRunningItems returns the number of running items across all jobs
	// of a scope. The dispatcher derives free concurrency slots from it.
	CountRunningItems(ctx context.Context, scopeID string) (int, error)

	// SelectDispatchable returns up to limit queued item IDs of the scope,
	// oldest job first and FIFO within a job, excluding cancelled jobs.
	// It mutates nothing; status changes belong to the item processor.
	SelectDispatchable(ctx context.Context, scopeID string, limit int) ([]string, error)

	// StartItem claims one queued item with skip-already-locked semantics and
	// transitions it to running in a single committed transaction, moving the
	// parent job to running on its first started item. A nil result means the
	// claim was lost or the item is not startable; redelivery is then safe to
	// ignore.
	StartItem(ctx context.Context, itemID string) (*StartedItem, error)

	// FinishItem transitions a running item to its terminal status, refreshes
	// the parent job's counters, and applies terminal aggregation. Items no
	// longer running (for example concurrently cancelled jobs) are ignored.
	FinishItem(ctx context.Context, params FinishItemParams) (*FinishedItem, error)

	// RetryFailedItems resets failed items (optionally filtered by item key)
	// back to queued, incrementing their retry counters and reviving a
	// terminal failed/partial job.
	RetryFailedItems(ctx context.Context, params RetryItemsParams) (int, error)

	// CancelJob moves a queued/running job to cancelled. In-flight items are
	// not interrupted; the dispatcher and processor respect the status
	// cooperatively.
	CancelJob(ctx context.Context, jobID string) (*model.Job, error)

	// FailStaleRunningItems force-fails items stuck in running longer than
	// maxAge, in bounded batches, and re-aggregates their jobs.
	FailStaleRunningItems(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// StartedItem is the result of a successful item claim.
type StartedItem struct {
	Item *model.Item
	Job  *model.Job
}

// FinishItemParams groups parameters for FinishItem.
type FinishItemParams struct {
	ItemID  string
	Outcome model.ItemOutcome
}

// FinishedItem reports the post-finish state of the item's job.
type FinishedItem struct {
	// Ignored is true when the item was no longer running and nothing changed.
	Ignored bool
	Item    *model.Item
	Job     *model.Job
}

// RetryItemsParams groups parameters for RetryFailedItems.
type RetryItemsParams struct {
	ScopeID  string
	JobID    string
	ItemKeys []string
}

// ExecutionRepository defines the data operations of the idempotent
// execution ledger.
type ExecutionRepository interface {
	// GetOrCreate inserts the record, silently no-oping on a duplicate key,
	// then fetches the survivor. A survivor whose content hashes differ from
	// the request is a conflict, never a cache hit.
	GetOrCreate(ctx context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error)
	GetByID(ctx context.Context, id string) (*model.Execution, error)

	// ClaimPending atomically transitions exactly one pending record to
	// running with skip-already-locked semantics. Returns nil when the record
	// is missing, not pending, or claimed by a concurrent caller.
	ClaimPending(ctx context.Context, id string) (*model.Execution, error)

	// PersistResult writes the output and transitions running -> completed.
	// A record already completed is tolerated as a no-op replay.
	PersistResult(ctx context.Context, params PersistResultParams) (*model.Execution, error)

	// MarkFailed records the error and forces the record to failed from any
	// status (best-effort terminal write).
	MarkFailed(ctx context.Context, id, errorMessage string) (*model.Execution, error)

	// ResetFailed applies the explicit failed -> pending edge before a re-run.
	ResetFailed(ctx context.Context, id string) (*model.Execution, error)

	// RecoverStaleRunning force-fails running records whose last update
	// predates now-timeout, in a bounded skip-locked batch.
	RecoverStaleRunning(ctx context.Context, params RecoverStaleParams) (int64, error)
}

// PersistResultParams groups parameters for PersistResult.
type PersistResultParams struct {
	ExecutionID   string
	OutputHash    string
	OutputPayload []byte
}

// RecoverStaleParams groups parameters for RecoverStaleRunning.
type RecoverStaleParams struct {
	Timeout   time.Duration
	BatchSize int
}

// QueueBroker is the external task queue. Delivery is at-least-once and
// possibly out of order; the item processor's claim-before-act check makes
// duplicate delivery safe.
type QueueBroker interface {
	Enqueue(ctx context.Context, task, itemID, queue string) error
}

// ThrottleStore is a keyed counter collaborator used for token-bucket
// admission and failure-count circuit breaking. It is best-effort: callers
// fail open when it is unavailable.
type ThrottleStore interface {
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// Handler executes the unit of work for one item. Implementations must be
// idempotent at item granularity and own their timeout/retry policy.
type Handler interface {
	Handle(ctx context.Context, job *model.Job, item *model.Item) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *model.Job, item *model.Item) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, item *model.Item) error {
	return f(ctx, job, item)
}

// Dispatcher admits queued items to the task queue within the scope's
// concurrency budget.
type Dispatcher interface {
	Dispatch(ctx context.Context, scopeID string) (int, error)
}

// ComputeFunc is the opaque pure function the execution ledger wraps (the
// strategy engine's scoring/diagnostic computation).
type ComputeFunc func(ctx context.Context, input []byte) (output []byte, err error)
