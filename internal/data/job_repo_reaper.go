package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rankhive/orchestrator/internal/data/pgxutil"
	"github.com/rankhive/orchestrator/internal/domain/model"
)

// Advisory lock identifiers for reaper sweeps. One sweep per kind runs at a
// time across all processes; a second caller returns immediately with zero.
const (
	advisoryLockReaperMajor          = 1000
	advisoryLockStaleItemsMinor      = 1
	advisoryLockStaleExecutionsMinor = 2
)

// FailStaleRunningItems force-fails items that have been running longer than
// maxAge. Each swept item is finished with the stale timeout error code and
// its job is re-aggregated, so an orchestrator crash between claim and
// verdict cannot wedge a job forever.
func (r *JobRepo) FailStaleRunningItems(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var swept int64
	err := withTransientRetry(ctx, r.logger, "fail_stale_running_items", func() error {
		swept = 0
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				var locked bool
				if err := tx.QueryRowContext(ctx,
					`SELECT pg_try_advisory_xact_lock($1, $2)`,
					advisoryLockReaperMajor, advisoryLockStaleItemsMinor,
				).Scan(&locked); err != nil {
					return fmt.Errorf("acquire reaper lock: %w", err)
				}
				if !locked {
					return nil
				}

				now := r.timeProvider.Now().UTC()
				cutoff := now.Add(-maxAge)

				rows, qErr := tx.QueryContext(ctx, `
					SELECT id, job_id FROM job_items
					WHERE id IN (
						SELECT id FROM job_items
						WHERE status = 'running' AND started_at < $1
						ORDER BY started_at
						LIMIT $2
						FOR UPDATE SKIP LOCKED
					)`, cutoff, batchSize)
				if qErr != nil {
					return fmt.Errorf("select stale items: %w", qErr)
				}
				var itemIDs []string
				jobIDs := make(map[string]struct{})
				for rows.Next() {
					var itemID, jobID string
					if sErr := rows.Scan(&itemID, &jobID); sErr != nil {
						rows.Close()
						return fmt.Errorf("scan stale item: %w", sErr)
					}
					itemIDs = append(itemIDs, itemID)
					jobIDs[jobID] = struct{}{}
				}
				rows.Close()
				if rowsErr := rows.Err(); rowsErr != nil {
					return rowsErr
				}
				if len(itemIDs) == 0 {
					return nil
				}

				detail := fmt.Sprintf("worker did not report a verdict within %s", maxAge)
				res, execErr := tx.ExecContext(ctx, `
					UPDATE job_items
					SET status = 'failed',
					    error_code = $2,
					    error_detail = $3,
					    finished_at = $4,
					    updated_at = $4
					WHERE id = ANY($1) AND status = 'running'`,
					itemIDs, model.StaleRunningErrorCode, detail, now)
				if execErr != nil {
					return fmt.Errorf("fail stale items: %w", execErr)
				}
				affected, raErr := res.RowsAffected()
				if raErr != nil {
					return fmt.Errorf("fail stale items rows: %w", raErr)
				}

				for jobID := range jobIDs {
					job, jobErr := r.lockJobTx(ctx, tx, jobID)
					if jobErr != nil {
						return jobErr
					}
					if aggErr := r.aggregateJobTx(ctx, tx, job, now); aggErr != nil {
						return aggErr
					}
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
		r.logger.WarnContext(ctx, "failed stale running items",
			"count", swept,
			"max_age", maxAge,
		)
	}
	return swept, nil
}
