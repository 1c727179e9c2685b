package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/data/pgxutil"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// StartItem claims one queued item and transitions it to running. The row
// lock uses SKIP LOCKED so a duplicate queue delivery racing another worker
// observes no row and returns nil instead of blocking.
func (r *JobRepo) StartItem(ctx context.Context, itemID string) (*core.StartedItem, error) {
	var started *core.StartedItem
	err := withTransientRetry(ctx, r.logger, "start_item", func() error {
		started = nil
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				row := tx.QueryRowContext(ctx, `
					SELECT `+itemColumns+`
					FROM job_items
					WHERE id = $1
					FOR UPDATE SKIP LOCKED`, itemID)
				item, scanErr := scanItemFromRow(row)
				if errors.Is(scanErr, sql.ErrNoRows) {
					// Missing, or claimed concurrently.
					return nil
				}
				if scanErr != nil {
					return fmt.Errorf("lock item: %w", scanErr)
				}
				if item.Status != model.ItemStatusQueued {
					return nil
				}

				job, jobErr := r.lockJobTx(ctx, tx, item.JobID)
				if jobErr != nil {
					return jobErr
				}
				if job.Status.Terminal() {
					return nil
				}

				now := r.timeProvider.Now().UTC()
				if trErr := item.Status.CheckTransition(model.ItemStatusRunning); trErr != nil {
					return trErr
				}
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE job_items
					SET status = 'running', started_at = $2, updated_at = $2
					WHERE id = $1`, item.ID, now,
				); execErr != nil {
					return fmt.Errorf("start item: %w", execErr)
				}
				item.Status = model.ItemStatusRunning
				item.StartedAt = &now
				item.UpdatedAt = now

				if job.Status == model.JobStatusQueued {
					if trErr := job.Status.CheckTransition(model.JobStatusRunning); trErr != nil {
						return trErr
					}
					if _, execErr := tx.ExecContext(ctx, `
						UPDATE jobs
						SET status = 'running',
						    started_at = COALESCE(started_at, $2),
						    version = version + 1,
						    updated_at = $2
						WHERE id = $1`, job.ID, now,
					); execErr != nil {
						return fmt.Errorf("mark job running: %w", execErr)
					}
					job.Status = model.JobStatusRunning
					if job.StartedAt == nil {
						job.StartedAt = &now
					}
					job.Version++
					job.UpdatedAt = now
				}

				counters, cErr := r.refreshJobCountersTx(ctx, tx, job.ID, job.Status, now)
				if cErr != nil {
					return cErr
				}
				job.Counters = counters

				started = &core.StartedItem{Item: item, Job: job}
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// FinishItem records a handler verdict on a running item, refreshes the
// parent job's counters, and applies terminal aggregation under the job's
// optimistic version guard.
func (r *JobRepo) FinishItem(ctx context.Context, params core.FinishItemParams) (*core.FinishedItem, error) {
	var finished *core.FinishedItem
	err := withTransientRetry(ctx, r.logger, "finish_item", func() error {
		finished = nil
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				row := tx.QueryRowContext(ctx, `
					SELECT `+itemColumns+`
					FROM job_items
					WHERE id = $1
					FOR UPDATE`, params.ItemID)
				item, scanErr := scanItemFromRow(row)
				if errors.Is(scanErr, sql.ErrNoRows) {
					return apperrors.Wrapf(ErrItemNotFound, apperrors.ErrCodeNotFound, "item %s not found", params.ItemID)
				}
				if scanErr != nil {
					return fmt.Errorf("lock item: %w", scanErr)
				}

				if item.Status != model.ItemStatusRunning {
					finished = &core.FinishedItem{Ignored: true, Item: item}
					return nil
				}

				target := model.ItemStatusFailed
				if params.Outcome.Succeeded {
					target = model.ItemStatusSucceeded
				}
				if trErr := item.Status.CheckTransition(target); trErr != nil {
					return trErr
				}

				now := r.timeProvider.Now().UTC()
				var errorCode, errorDetail any
				if !params.Outcome.Succeeded {
					errorCode = params.Outcome.ErrorCode
					errorDetail = params.Outcome.ErrorDetail
				}
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE job_items
					SET status = $2,
					    error_code = $3,
					    error_detail = $4,
					    finished_at = $5,
					    updated_at = $5
					WHERE id = $1`,
					item.ID, target, errorCode, errorDetail, now,
				); execErr != nil {
					return fmt.Errorf("finish item: %w", execErr)
				}
				item.Status = target
				item.ErrorCode = cloneNullableString(sql.NullString{String: params.Outcome.ErrorCode, Valid: !params.Outcome.Succeeded && params.Outcome.ErrorCode != ""})
				item.ErrorDetail = cloneNullableString(sql.NullString{String: params.Outcome.ErrorDetail, Valid: !params.Outcome.Succeeded && params.Outcome.ErrorDetail != ""})
				item.FinishedAt = &now
				item.UpdatedAt = now

				job, jobErr := r.lockJobTx(ctx, tx, item.JobID)
				if jobErr != nil {
					return jobErr
				}
				if aggErr := r.aggregateJobTx(ctx, tx, job, now); aggErr != nil {
					return aggErr
				}

				finished = &core.FinishedItem{Item: item, Job: job}
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// RetryFailedItems resets failed items back to queued, optionally filtered
// by item key, and revives a failed/partial job to running.
func (r *JobRepo) RetryFailedItems(ctx context.Context, params core.RetryItemsParams) (int, error) {
	var reset int
	err := withTransientRetry(ctx, r.logger, "retry_failed_items", func() error {
		reset = 0
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				job, jobErr := r.lockJobTx(ctx, tx, params.JobID)
				if jobErr != nil {
					return jobErr
				}
				if params.ScopeID != "" && job.ScopeID != params.ScopeID {
					return apperrors.Wrapf(ErrJobNotFound, apperrors.ErrCodeNotFound, "job %s not found in scope %s", params.JobID, params.ScopeID)
				}
				if job.Status == model.JobStatusCancelled {
					return apperrors.Conflictf("job %s is cancelled and cannot be retried", job.ID)
				}

				query := `
					SELECT id FROM job_items
					WHERE job_id = $1 AND status = 'failed'`
				args := []any{job.ID}
				if len(params.ItemKeys) > 0 {
					query += ` AND item_key = ANY($2)`
					args = append(args, params.ItemKeys)
				}
				query += ` ORDER BY position FOR UPDATE`

				rows, qErr := tx.QueryContext(ctx, query, args...)
				if qErr != nil {
					return fmt.Errorf("select failed items: %w", qErr)
				}
				var ids []string
				for rows.Next() {
					var id string
					if sErr := rows.Scan(&id); sErr != nil {
						rows.Close()
						return fmt.Errorf("scan item id: %w", sErr)
					}
					ids = append(ids, id)
				}
				rows.Close()
				if rowsErr := rows.Err(); rowsErr != nil {
					return rowsErr
				}
				if len(ids) == 0 {
					return nil
				}

				now := r.timeProvider.Now().UTC()
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE job_items
					SET status = 'queued',
					    retries = retries + 1,
					    error_code = NULL,
					    error_detail = NULL,
					    started_at = NULL,
					    finished_at = NULL,
					    updated_at = $2
					WHERE id = ANY($1)`, ids, now,
				); execErr != nil {
					return fmt.Errorf("reset failed items: %w", execErr)
				}

				if job.Status == model.JobStatusFailed || job.Status == model.JobStatusPartial {
					if trErr := job.Status.CheckTransition(model.JobStatusRunning); trErr != nil {
						return trErr
					}
					if _, execErr := tx.ExecContext(ctx, `
						UPDATE jobs
						SET status = 'running',
						    finished_at = NULL,
						    version = version + 1,
						    updated_at = $2
						WHERE id = $1`, job.ID, now,
					); execErr != nil {
						return fmt.Errorf("revive job: %w", execErr)
					}
					job.Status = model.JobStatusRunning
					job.FinishedAt = nil
					job.Version++
				}

				if _, cErr := r.refreshJobCountersTx(ctx, tx, job.ID, job.Status, now); cErr != nil {
					return cErr
				}

				reset = len(ids)
				return nil
			},
		})
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

// CancelJob moves a queued or running job to cancelled. Items already
// running are left to finish; their verdicts are recorded but no further
// aggregation fires on a cancelled job.
func (r *JobRepo) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	var cancelled *model.Job
	err := withTransientRetry(ctx, r.logger, "cancel_job", func() error {
		cancelled = nil
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				job, jobErr := r.lockJobTx(ctx, tx, jobID)
				if jobErr != nil {
					return jobErr
				}
				if trErr := job.Status.CheckTransition(model.JobStatusCancelled); trErr != nil {
					return trErr
				}

				now := r.timeProvider.Now().UTC()
				if _, execErr := tx.ExecContext(ctx, `
					UPDATE jobs
					SET status = 'cancelled',
					    finished_at = $2,
					    version = version + 1,
					    updated_at = $2
					WHERE id = $1`, job.ID, now,
				); execErr != nil {
					return fmt.Errorf("cancel job: %w", execErr)
				}
				job.Status = model.JobStatusCancelled
				job.FinishedAt = &now
				job.Version++
				job.UpdatedAt = now

				counters, cErr := r.refreshJobCountersTx(ctx, tx, job.ID, job.Status, now)
				if cErr != nil {
					return cErr
				}
				job.Counters = counters

				cancelled = job
				return nil
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (r *JobRepo) lockJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE id = $1
		FOR UPDATE`, jobID)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(ErrJobNotFound, apperrors.ErrCodeNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return job, nil
}

// aggregateJobTx refreshes the locked job's counters and, once every item is
// settled, commits the aggregate terminal status under the version guard.
// A version mismatch surfaces as a conflict so the caller's transaction
// rolls back and retries observe fresh state.
func (r *JobRepo) aggregateJobTx(ctx context.Context, tx *sql.Tx, job *model.Job, now time.Time) error {
	expected := job.Version
	counters, err := r.refreshJobCountersTx(ctx, tx, job.ID, job.Status, now)
	if err != nil {
		return err
	}
	job.Counters = counters
	job.UpdatedAt = now

	if job.Status.Terminal() {
		return nil
	}
	term, ok := model.TerminalStatus(counters)
	if !ok || term == job.Status {
		return nil
	}
	if trErr := job.Status.CheckTransition(term); trErr != nil {
		return trErr
	}

	res, execErr := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    finished_at = $3,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $1 AND version = $4`,
		job.ID, term, now, expected)
	if execErr != nil {
		return fmt.Errorf("finalize job: %w", execErr)
	}
	affected, raErr := res.RowsAffected()
	if raErr != nil {
		return fmt.Errorf("finalize job rows: %w", raErr)
	}
	if affected == 0 {
		return apperrors.Conflictf("job %s version changed during aggregation", job.ID)
	}
	job.Status = term
	job.FinishedAt = &now
	job.Version = expected + 1
	return nil
}
