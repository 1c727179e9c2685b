package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/data/pgxutil"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// ExecutionRepo provides database operations for the idempotent execution ledger.
type ExecutionRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewExecutionRepo creates a new ExecutionRepo with the given database
// connection and configuration.
func NewExecutionRepo(db *sql.DB, cfg RepoConfig) *ExecutionRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &ExecutionRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const executionColumns = `
  id,
  scope_id,
  operation_type,
  idempotency_key,
  input_hash,
  version_fingerprint,
  status,
  output_hash,
  output_payload,
  error_message,
  completed_at,
  created_at,
  updated_at
`

func scanExecutionFromRow(s rowScanner) (*model.Execution, error) {
	exec := &model.Execution{}
	var outputHash, errorMessage sql.NullString
	var outputPayload []byte
	var completedAt sql.NullTime
	if err := s.Scan(
		&exec.ID,
		&exec.ScopeID,
		&exec.OperationType,
		&exec.IdempotencyKey,
		&exec.InputHash,
		&exec.VersionFingerprint,
		&exec.Status,
		&outputHash,
		&outputPayload,
		&errorMessage,
		&completedAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	exec.OutputHash = cloneNullableString(outputHash)
	exec.ErrorMessage = cloneNullableString(errorMessage)
	if len(outputPayload) > 0 {
		exec.OutputPayload = append(exec.OutputPayload, outputPayload...)
	}
	exec.CompletedAt = cloneNullableTime(completedAt)
	return exec, nil
}

// GetOrCreate inserts the ledger record, no-oping on a duplicate key, then
// fetches whichever row survived. The insert-then-select shape makes two
// racing callers converge on the same record with exactly one created=true.
func (r *ExecutionRepo) GetOrCreate(ctx context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
	if req == nil {
		return nil, false, errors.New("create execution request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	var exec *model.Execution
	var created bool
	retryErr := withTransientRetry(ctx, r.logger, "get_or_create_execution", func() error {
		exec, created = nil, false
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				now := r.timeProvider.Now().UTC()
				row := tx.QueryRowContext(ctx, `
					INSERT INTO executions (scope_id, operation_type, idempotency_key, input_hash, version_fingerprint, status, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, 'pending', $6, $6)
					ON CONFLICT ON CONSTRAINT executions_scope_op_key_unique DO NOTHING
					RETURNING `+executionColumns,
					req.ScopeID, req.OperationType, req.IdempotencyKey,
					req.InputHash, req.VersionFingerprint, now,
				)
				inserted, scanErr := scanExecutionFromRow(row)
				if scanErr == nil {
					exec = inserted
					created = true
					return nil
				}
				if !errors.Is(scanErr, sql.ErrNoRows) {
					return fmt.Errorf("insert execution: %w", scanErr)
				}

				row = tx.QueryRowContext(ctx, `
					SELECT `+executionColumns+`
					FROM executions
					WHERE scope_id = $1 AND operation_type = $2 AND idempotency_key = $3`,
					req.ScopeID, req.OperationType, req.IdempotencyKey,
				)
				existing, getErr := scanExecutionFromRow(row)
				if errors.Is(getErr, sql.ErrNoRows) {
					return apperrors.Wrap(ErrExecutionNotFound, apperrors.ErrCodeNotFound, "execution vanished after insert conflict")
				}
				if getErr != nil {
					return fmt.Errorf("get execution by key: %w", getErr)
				}
				exec = existing
				return nil
			},
		})
	})
	if retryErr != nil {
		return nil, false, retryErr
	}
	return exec, created, nil
}

// GetByID retrieves a ledger record by its ID.
func (r *ExecutionRepo) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecutionFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(ErrExecutionNotFound, apperrors.ErrCodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get execution: %w", err))
	}
	return exec, nil
}

// ClaimPending atomically moves one pending record to running. The locked
// subquery uses SKIP LOCKED so a concurrent claimer sees zero rows and
// returns nil instead of waiting on the winner's transaction.
func (r *ExecutionRepo) ClaimPending(ctx context.Context, id string) (*model.Execution, error) {
	var claimed *model.Execution
	err := withTransientRetry(ctx, r.logger, "claim_pending_execution", func() error {
		claimed = nil
		now := r.timeProvider.Now().UTC()
		row := r.DB.QueryRowContext(ctx, `
			WITH candidate AS (
				SELECT id FROM executions
				WHERE id = $1 AND status = 'pending'
				FOR UPDATE SKIP LOCKED
			)
			UPDATE executions e
			SET status = 'running', updated_at = $2
			FROM candidate
			WHERE e.id = candidate.id
			RETURNING `+executionColumns, id, now)
		exec, scanErr := scanExecutionFromRow(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil
		}
		if scanErr != nil {
			return fmt.Errorf("claim execution: %w", scanErr)
		}
		claimed = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// PersistResult writes the output payload and transitions running ->
// completed. A record that is already completed is a replay of a finished
// round and passes through unchanged.
func (r *ExecutionRepo) PersistResult(ctx context.Context, params core.PersistResultParams) (*model.Execution, error) {
	var persisted *model.Execution
	err := withTransientRetry(ctx, r.logger, "persist_execution_result", func() error {
		persisted = nil
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				exec, lockErr := r.lockExecutionTx(ctx, tx, params.ExecutionID)
				if lockErr != nil {
					return lockErr
				}
				if exec.Status == model.ExecutionStatusCompleted {
					persisted = exec
					return nil
				}
				if trErr := exec.Status.CheckTransition(model.ExecutionStatusCompleted); trErr != nil {
					return trErr
				}

				now := r.timeProvider.Now().UTC()
				var payload any
				if len(params.OutputPayload) > 0 {
					payload = params.OutputPayload
				}
				row := tx.QueryRowContext(ctx, `
					UPDATE executions
					SET status = 'completed',
					    output_hash = $2,
					    output_payload = $3,
					    error_message = NULL,
					    completed_at = $4,
					    updated_at = $4
					WHERE id = $1
					RETURNING `+executionColumns,
					exec.ID, params.OutputHash, payload, now)
				updated, scanErr := scanExecutionFromRow(row)
				if scanErr != nil {
					return fmt.Errorf("persist execution result: %w", scanErr)
				}
				persisted = updated
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return persisted, nil
}

// MarkFailed records the error message and forces the record to failed. It
// is a best-effort terminal write and accepts any current status.
func (r *ExecutionRepo) MarkFailed(ctx context.Context, id, errorMessage string) (*model.Execution, error) {
	var failed *model.Execution
	err := withTransientRetry(ctx, r.logger, "mark_execution_failed", func() error {
		failed = nil
		now := r.timeProvider.Now().UTC()
		row := r.DB.QueryRowContext(ctx, `
			UPDATE executions
			SET status = 'failed', error_message = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+executionColumns, id, errorMessage, now)
		exec, scanErr := scanExecutionFromRow(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			return apperrors.Wrapf(ErrExecutionNotFound, apperrors.ErrCodeNotFound, "execution %s not found", id)
		}
		if scanErr != nil {
			return fmt.Errorf("mark execution failed: %w", scanErr)
		}
		failed = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// ResetFailed applies the failed -> pending edge so a later claim can re-run
// the computation. Any other current status is a conflict.
func (r *ExecutionRepo) ResetFailed(ctx context.Context, id string) (*model.Execution, error) {
	var reset *model.Execution
	err := withTransientRetry(ctx, r.logger, "reset_failed_execution", func() error {
		reset = nil
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				exec, lockErr := r.lockExecutionTx(ctx, tx, id)
				if lockErr != nil {
					return lockErr
				}
				if trErr := exec.Status.CheckTransition(model.ExecutionStatusPending); trErr != nil {
					return trErr
				}

				now := r.timeProvider.Now().UTC()
				row := tx.QueryRowContext(ctx, `
					UPDATE executions
					SET status = 'pending',
					    error_message = NULL,
					    output_hash = NULL,
					    output_payload = NULL,
					    completed_at = NULL,
					    updated_at = $2
					WHERE id = $1
					RETURNING `+executionColumns, exec.ID, now)
				updated, scanErr := scanExecutionFromRow(row)
				if scanErr != nil {
					return fmt.Errorf("reset execution: %w", scanErr)
				}
				reset = updated
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// RecoverStaleRunning force-fails running records whose last update predates
// now-timeout. A worker crash between claim and verdict would otherwise
// leave the record running forever and block every later caller of the key.
func (r *ExecutionRepo) RecoverStaleRunning(ctx context.Context, params core.RecoverStaleParams) (int64, error) {
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var swept int64
	err := withTransientRetry(ctx, r.logger, "recover_stale_executions", func() error {
		swept = 0
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				var locked bool
				if err := tx.QueryRowContext(ctx,
					`SELECT pg_try_advisory_xact_lock($1, $2)`,
					advisoryLockReaperMajor, advisoryLockStaleExecutionsMinor,
				).Scan(&locked); err != nil {
					return fmt.Errorf("acquire recovery lock: %w", err)
				}
				if !locked {
					return nil
				}

				now := r.timeProvider.Now().UTC()
				cutoff := now.Add(-params.Timeout)
				res, execErr := tx.ExecContext(ctx, `
					UPDATE executions
					SET status = 'failed', error_message = $4, updated_at = $3
					WHERE id IN (
						SELECT id FROM executions
						WHERE status = 'running' AND updated_at < $1
						ORDER BY updated_at
						LIMIT $2
						FOR UPDATE SKIP LOCKED
					)`, cutoff, batchSize, now, model.StaleRunningErrorCode)
				if execErr != nil {
					return fmt.Errorf("recover stale executions: %w", execErr)
				}
				affected, raErr := res.RowsAffected()
				if raErr != nil {
					return fmt.Errorf("recover stale executions rows: %w", raErr)
				}
				swept = affected
				return nil
			},
		})
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 && r.logger != nil {
		r.logger.WarnContext(ctx, "recovered stale running executions",
			"count", swept,
			"timeout", params.Timeout,
		)
	}
	return swept, nil
}

func (r *ExecutionRepo) lockExecutionTx(ctx context.Context, tx *sql.Tx, id string) (*model.Execution, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE id = $1
		FOR UPDATE`, id)
	exec, err := scanExecutionFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(ErrExecutionNotFound, apperrors.ErrCodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock execution: %w", err)
	}
	return exec, nil
}
