package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// ExecutionStatus represents the status of one ledger record.
type ExecutionStatus string

const (
	// ExecutionStatusPending indicates the record exists but no worker claimed it.
	ExecutionStatusPending ExecutionStatus = "pending"
	// ExecutionStatusRunning indicates exactly one worker claimed the record.
	ExecutionStatusRunning ExecutionStatus = "running"
	// ExecutionStatusCompleted indicates the output payload was persisted.
	ExecutionStatusCompleted ExecutionStatus = "completed"
	// ExecutionStatusFailed indicates the round failed; a reset may re-run it.
	ExecutionStatusFailed ExecutionStatus = "failed"
)

// StaleRunningErrorCode marks executions force-failed by the recovery sweep.
const StaleRunningErrorCode = "stale_running_timeout"

// Valid returns true if the ExecutionStatus is a member of the closed set.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed:
		return true
	default:
		return false
	}
}

// executionTransitions is the exhaustive edge set for ledger status changes.
// failed -> pending is the explicit reset edge before a re-attempt.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending: {ExecutionStatusRunning, ExecutionStatusFailed},
	ExecutionStatusRunning: {ExecutionStatusCompleted, ExecutionStatusFailed},
	ExecutionStatusFailed:  {ExecutionStatusPending},
}

// CanTransition reports whether from -> to is an allowed ledger status edge.
func (s ExecutionStatus) CanTransition(to ExecutionStatus) bool {
	for _, next := range executionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a conflict error when from -> to is not in the edge set.
func (s ExecutionStatus) CheckTransition(to ExecutionStatus) error {
	if !s.CanTransition(to) {
		return apperrors.Conflictf("execution status transition %s -> %s is not allowed", s, to)
	}
	return nil
}

// Execution is one row of the idempotent execution ledger. The triple
// (scope_id, operation_type, idempotency_key) is unique; the content hashes
// distinguish a replay of the same request from key reuse with different
// intent.
type Execution struct {
	ID                 string          `json:"id"                  db:"id"`
	ScopeID            string          `json:"scope_id"            db:"scope_id"`
	OperationType      string          `json:"operation_type"      db:"operation_type"`
	IdempotencyKey     string          `json:"idempotency_key"     db:"idempotency_key"`
	InputHash          string          `json:"input_hash"          db:"input_hash"`
	VersionFingerprint string          `json:"version_fingerprint" db:"version_fingerprint"`
	Status             ExecutionStatus `json:"status"              db:"status"`
	OutputHash         *string         `json:"output_hash,omitempty"    db:"output_hash"`
	OutputPayload      json.RawMessage `json:"output_payload,omitempty" db:"output_payload"`
	ErrorMessage       *string         `json:"error_message,omitempty"  db:"error_message"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"   db:"completed_at"`
	CreatedAt          time.Time       `json:"created_at"          db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"          db:"updated_at"`
}

// Matches reports whether the stored content hashes equal the presented ones.
func (e *Execution) Matches(inputHash, versionFingerprint string) bool {
	return e.InputHash == inputHash && e.VersionFingerprint == versionFingerprint
}

// CreateExecutionRequest represents a get-or-create ledger request.
type CreateExecutionRequest struct {
	ScopeID            string `json:"scope_id"`
	OperationType      string `json:"operation_type"`
	IdempotencyKey     string `json:"idempotency_key"`
	InputHash          string `json:"input_hash"`
	VersionFingerprint string `json:"version_fingerprint"`
}

// Validate rejects malformed requests before any write happens.
func (r *CreateExecutionRequest) Validate() error {
	for field, value := range map[string]string{
		"scope_id":            r.ScopeID,
		"operation_type":      r.OperationType,
		"idempotency_key":     r.IdempotencyKey,
		"input_hash":          r.InputHash,
		"version_fingerprint": r.VersionFingerprint,
	} {
		if strings.TrimSpace(value) == "" {
			return apperrors.ValidationField(field, fmt.Sprintf("%s is required", field))
		}
	}
	return nil
}
