package model

import (
	"encoding/json"
	"time"

	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// ItemStatus represents the status of a single unit of work.
type ItemStatus string

const (
	// ItemStatusQueued indicates the item is waiting for a concurrency slot.
	ItemStatusQueued ItemStatus = "queued"
	// ItemStatusRunning indicates a worker has claimed the item.
	ItemStatusRunning ItemStatus = "running"
	// ItemStatusSucceeded indicates the handler completed without error.
	ItemStatusSucceeded ItemStatus = "succeeded"
	// ItemStatusFailed indicates the handler returned an error.
	ItemStatusFailed ItemStatus = "failed"
)

// Valid returns true if the ItemStatus is a member of the closed set.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemStatusQueued, ItemStatusRunning, ItemStatusSucceeded, ItemStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true when the item finished a round of execution.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed
}

// itemTransitions is the exhaustive edge set for item status changes.
// failed -> queued is the only re-entrant edge (explicit retry).
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemStatusQueued:  {ItemStatusRunning},
	ItemStatusRunning: {ItemStatusSucceeded, ItemStatusFailed},
	ItemStatusFailed:  {ItemStatusQueued},
}

// CanTransition reports whether from -> to is an allowed item status edge.
func (s ItemStatus) CanTransition(to ItemStatus) bool {
	for _, next := range itemTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when from -> to is not in the edge set.
func (s ItemStatus) CheckTransition(to ItemStatus) error {
	if !s.CanTransition(to) {
		return apperrors.Conflictf("item status transition %s -> %s is not allowed", s, to)
	}
	return nil
}

// ItemStatusCounts holds raw per-status item counts for one job.
type ItemStatusCounts struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
}

// Item represents one unit of work owned by a job. item_key is unique
// within the owning job and is the identity callers retry against.
type Item struct {
	ID          string          `json:"id"          db:"id"`
	JobID       string          `json:"job_id"      db:"job_id"`
	ItemKey     string          `json:"item_key"    db:"item_key"`
	Status      ItemStatus      `json:"status"      db:"status"`
	Retries     int             `json:"retries"     db:"retries"`
	ErrorCode   *string         `json:"error_code,omitempty"   db:"error_code"`
	ErrorDetail *string         `json:"error_detail,omitempty" db:"error_detail"`
	Payload     json.RawMessage `json:"payload,omitempty"      db:"payload"`
	StartedAt   *time.Time      `json:"started_at,omitempty"   db:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"  db:"finished_at"`
	CreatedAt   time.Time       `json:"created_at"  db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"  db:"updated_at"`
}

// ItemOutcome is a handler verdict applied to a running item.
type ItemOutcome struct {
	Succeeded   bool
	ErrorCode   string
	ErrorDetail string
}
