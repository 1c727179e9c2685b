// Package model defines the core data types of the rankhive job orchestration layer.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// JobType represents the kind of bulk operation a job fans out.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the aggregate status of a job.
type JobStatus string

const (
	// JobTypeOnboard onboards a batch of campaigns into a portfolio.
	JobTypeOnboard JobType = "onboard"
	// JobTypeSchedule (re)schedules crawl and rank-tracking work for campaigns.
	JobTypeSchedule JobType = "schedule"
	// JobTypePause pauses a batch of campaigns.
	JobTypePause JobType = "pause"
	// JobTypeResume resumes previously paused campaigns.
	JobTypeResume JobType = "resume"
	// JobTypeRemediate re-runs remediation work for flagged campaigns.
	JobTypeRemediate JobType = "remediate"

	// JobStatusQueued indicates no item has started yet.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates at least one item has started.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates every item succeeded.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusPartial indicates a mix of succeeded and failed items.
	JobStatusPartial JobStatus = "partial"
	// JobStatusFailed indicates every item failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// ValidJobTypes returns all members of the JobType closed set.
func ValidJobTypes() []JobType {
	return []JobType{
		JobTypeOnboard,
		JobTypeSchedule,
		JobTypePause,
		JobTypeResume,
		JobTypeRemediate,
	}
}

// Valid returns true if the JobType is a member of the closed set.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeOnboard, JobTypeSchedule, JobTypePause, JobTypeResume, JobTypeRemediate:
		return true
	default:
		return false
	}
}

// Valid returns true if the JobStatus is a member of the closed set.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusSucceeded,
		JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status admits no further transitions
// other than the explicit retry revival edge.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusPartial, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// jobTransitions is the exhaustive edge set for job status changes.
// partial/failed -> running is the retry revival edge.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusPartial, JobStatusFailed, JobStatusCancelled},
	JobStatusPartial: {JobStatusRunning},
	JobStatusFailed:  {JobStatusRunning},
}

// CanTransition reports whether from -> to is an allowed job status edge.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when from -> to is not in the edge set.
func (s JobStatus) CheckTransition(to JobStatus) error {
	if !s.CanTransition(to) {
		return apperrors.Conflictf("job status transition %s -> %s is not allowed", s, to)
	}
	return nil
}

// JobCounters are the aggregate item counts of a job. They are always
// recomputed from item rows, never incremented independently.
type JobCounters struct {
	Total     int `json:"total_items"     db:"total_items"`
	Queued    int `json:"queued_items"    db:"queued_items"`
	Running   int `json:"running_items"   db:"running_items"`
	Succeeded int `json:"succeeded_items" db:"succeeded_items"`
	Failed    int `json:"failed_items"    db:"failed_items"`
	Cancelled int `json:"cancelled_items" db:"cancelled_items"`
}

// Consistent reports whether the per-status counts sum to the total.
func (c JobCounters) Consistent() bool {
	return c.Queued+c.Running+c.Succeeded+c.Failed+c.Cancelled == c.Total
}

// Settled reports whether no item can still make progress.
func (c JobCounters) Settled() bool {
	return c.Running == 0 && c.Queued == 0
}

// DeriveCounters produces job counters from raw item status counts.
// When the job is cancelled, items still queued will never run and are
// accounted as cancelled.
func DeriveCounters(counts ItemStatusCounts, jobStatus JobStatus) JobCounters {
	c := JobCounters{
		Total:     counts.Queued + counts.Running + counts.Succeeded + counts.Failed,
		Queued:    counts.Queued,
		Running:   counts.Running,
		Succeeded: counts.Succeeded,
		Failed:    counts.Failed,
	}
	if jobStatus == JobStatusCancelled {
		c.Cancelled = c.Queued
		c.Queued = 0
	}
	return c
}

// TerminalStatus computes the aggregate terminal status from counters.
// The second return is false while items are still queued or running,
// or when the job has no items at all.
func TerminalStatus(c JobCounters) (JobStatus, bool) {
	if !c.Settled() || c.Total == 0 {
		return "", false
	}
	switch {
	case c.Succeeded == c.Total:
		return JobStatusSucceeded, true
	case c.Failed == c.Total:
		return JobStatusFailed, true
	default:
		return JobStatusPartial, true
	}
}

// Job represents one logical bulk operation fanned out into items.
type Job struct {
	ID             string          `json:"id"              db:"id"`
	ScopeID        string          `json:"scope_id"        db:"scope_id"`
	Type           JobType         `json:"job_type"        db:"job_type"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	Status         JobStatus       `json:"status"          db:"status"`
	Counters       JobCounters     `json:"counters"`
	RequestPayload json.RawMessage `json:"request_payload" db:"request_payload"`
	Summary        json.RawMessage `json:"summary,omitempty" db:"summary"`
	StartedAt      *time.Time      `json:"started_at,omitempty"  db:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Version        int64           `json:"version"         db:"version"`
	CreatedAt      time.Time       `json:"created_at"      db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"      db:"updated_at"`
}

// ItemSeed is one caller-supplied unit of work in a create-job request.
type ItemSeed struct {
	ItemKey string          `json:"item_key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreateJobRequest represents a request to create a new bulk job.
type CreateJobRequest struct {
	ScopeID        string     `json:"scope_id"`
	Type           JobType    `json:"job_type"`
	IdempotencyKey string     `json:"idempotency_key"`
	Seeds          []ItemSeed `json:"items"`
}

// Validate rejects malformed requests before any write happens.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.ScopeID) == "" {
		return apperrors.ValidationField("scope_id", "scope id is required")
	}
	if !r.Type.Valid() {
		return apperrors.ValidationField("job_type", fmt.Sprintf("invalid job type: %q", r.Type))
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return apperrors.ValidationField("idempotency_key", "idempotency key is required")
	}
	if len(r.Seeds) == 0 {
		return apperrors.ValidationField("items", "at least one item is required")
	}
	seen := make(map[string]struct{}, len(r.Seeds))
	for i := range r.Seeds {
		key := r.Seeds[i].ItemKey
		if strings.TrimSpace(key) == "" {
			return apperrors.ValidationField("items", fmt.Sprintf("item %d has an empty item key", i))
		}
		if _, dup := seen[key]; dup {
			return apperrors.ValidationField("items", fmt.Sprintf("duplicate item key %q", key))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Scope is the tenant/portfolio boundary for concurrency caps and idempotency keys.
type Scope struct {
	ID             string    `json:"id"              db:"id"`
	Name           string    `json:"name"            db:"name"`
	ConcurrencyCap *int      `json:"concurrency_cap,omitempty" db:"concurrency_cap"`
	CreatedAt      time.Time `json:"created_at"      db:"created_at"`
}

// DefaultConcurrencyCap is the per-scope in-flight item limit used when a
// scope carries no override.
const DefaultConcurrencyCap = 5

// EffectiveCap returns the scope's concurrency cap, falling back to the default.
func (s *Scope) EffectiveCap() int {
	if s != nil && s.ConcurrencyCap != nil && *s.ConcurrencyCap > 0 {
		return *s.ConcurrencyCap
	}
	return DefaultConcurrencyCap
}
