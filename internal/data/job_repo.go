package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rankhive/orchestrator/internal/data/pgxutil"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

// RepoConfig holds configuration options for the data-layer repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for the job/item store.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  scope_id,
  job_type,
  idempotency_key,
  status,
  total_items,
  queued_items,
  running_items,
  succeeded_items,
  failed_items,
  cancelled_items,
  request_payload,
  summary,
  started_at,
  finished_at,
  version,
  created_at,
  updated_at
`

const itemColumns = `
  id,
  job_id,
  item_key,
  status,
  retries,
  error_code,
  error_detail,
  payload,
  started_at,
  finished_at,
  created_at,
  updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(s rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var payload, summary []byte
	var startedAt, finishedAt sql.NullTime
	if err := s.Scan(
		&job.ID,
		&job.ScopeID,
		&job.Type,
		&job.IdempotencyKey,
		&job.Status,
		&job.Counters.Total,
		&job.Counters.Queued,
		&job.Counters.Running,
		&job.Counters.Succeeded,
		&job.Counters.Failed,
		&job.Counters.Cancelled,
		&payload,
		&summary,
		&startedAt,
		&finishedAt,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.RequestPayload = cloneJSON(payload)
	if len(summary) > 0 {
		job.Summary = append(json.RawMessage(nil), summary...)
	}
	job.StartedAt = cloneNullableTime(startedAt)
	job.FinishedAt = cloneNullableTime(finishedAt)
	return job, nil
}

func scanItemFromRow(s rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var errorCode, errorDetail sql.NullString
	var payload []byte
	var startedAt, finishedAt sql.NullTime
	if err := s.Scan(
		&item.ID,
		&item.JobID,
		&item.ItemKey,
		&item.Status,
		&item.Retries,
		&errorCode,
		&errorDetail,
		&payload,
		&startedAt,
		&finishedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.ErrorCode = cloneNullableString(errorCode)
	item.ErrorDetail = cloneNullableString(errorDetail)
	if len(payload) > 0 {
		item.Payload = append(json.RawMessage(nil), payload...)
	}
	item.StartedAt = cloneNullableTime(startedAt)
	item.FinishedAt = cloneNullableTime(finishedAt)
	return item, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// CreateJob inserts a job and all its items in one transaction. A replay of
// the same (scope, type, idempotency key) returns the existing job with
// created=false; when two identical requests race, the loser of the unique
// constraint re-queries and returns the winner's job.
func (r *JobRepo) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error) {
	if req == nil {
		return nil, false, errors.New("create job request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	requestPayload, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request payload: %w", err)
	}

	var job *model.Job
	var created bool
	retryErr := withTransientRetry(ctx, r.logger, "create_job", func() error {
		job, created = nil, false
		return pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
			Fn: func(tx *sql.Tx) error {
				if err := r.checkScopeExistsTx(ctx, tx, req.ScopeID); err != nil {
					return err
				}

				now := r.timeProvider.Now().UTC()
				row := tx.QueryRowContext(ctx, `
					INSERT INTO jobs (scope_id, job_type, idempotency_key, status, total_items, queued_items, request_payload, created_at, updated_at)
					VALUES ($1, $2, $3, 'queued', $4, $4, $5, $6, $6)
					ON CONFLICT ON CONSTRAINT jobs_scope_type_key_unique DO NOTHING
					RETURNING `+jobColumns,
					req.ScopeID, req.Type, req.IdempotencyKey, len(req.Seeds), requestPayload, now,
				)

				inserted, scanErr := scanJobFromRow(row)
				if errors.Is(scanErr, sql.ErrNoRows) {
					// Idempotent replay, or we lost the insert race.
					existing, getErr := r.getJobByKeyTx(ctx, tx, req)
					if getErr != nil {
						return getErr
					}
					job = existing
					return nil
				}
				if scanErr != nil {
					return fmt.Errorf("insert job: %w", scanErr)
				}

				if insertErr := r.insertItemsTx(ctx, tx, inserted.ID, req.Seeds, now); insertErr != nil {
					return insertErr
				}

				job = inserted
				created = true
				return nil
			},
		})
	})
	if retryErr != nil {
		return nil, false, retryErr
	}
	return job, created, nil
}

func (r *JobRepo) checkScopeExistsTx(ctx context.Context, tx *sql.Tx, scopeID string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM scopes WHERE id = $1)`, scopeID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check scope: %w", err)
	}
	if !exists {
		return apperrors.Wrapf(ErrScopeNotFound, apperrors.ErrCodeNotFound, "scope %s not found", scopeID)
	}
	return nil
}

func (r *JobRepo) getJobByKeyTx(ctx context.Context, tx *sql.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE scope_id = $1 AND job_type = $2 AND idempotency_key = $3`,
		req.ScopeID, req.Type, req.IdempotencyKey,
	)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(ErrJobNotFound, apperrors.ErrCodeNotFound, "job vanished after insert conflict")
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return job, nil
}

func (r *JobRepo) insertItemsTx(ctx context.Context, tx *sql.Tx, jobID string, seeds []model.ItemSeed, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO job_items (job_id, item_key, position, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $5)`)
	if err != nil {
		return fmt.Errorf("prepare item insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	for i := range seeds {
		var payload any
		if len(seeds[i].Payload) > 0 {
			payload = []byte(seeds[i].Payload)
		}
		if _, execErr := stmt.ExecContext(ctx, jobID, seeds[i].ItemKey, i, payload, now); execErr != nil {
			return fmt.Errorf("insert item %q: %w", seeds[i].ItemKey, execErr)
		}
	}
	return nil
}

// GetJob retrieves a job by its ID.
func (r *JobRepo) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJobFromRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(ErrJobNotFound, apperrors.ErrCodeNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

// GetScope retrieves a scope by its ID.
func (r *JobRepo) GetScope(ctx context.Context, scopeID string) (*model.Scope, error) {
	scope := &model.Scope{}
	var cap sql.NullInt64
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, name, concurrency_cap, created_at FROM scopes WHERE id = $1`, scopeID,
	).Scan(&scope.ID, &scope.Name, &cap, &scope.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrapf(ErrScopeNotFound, apperrors.ErrCodeNotFound, "scope %s not found", scopeID)
	}
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("get scope: %w", err))
	}
	if cap.Valid {
		v := int(cap.Int64)
		scope.ConcurrencyCap = &v
	}
	return scope, nil
}

// ListItems returns all items of a job in insertion order.
func (r *JobRepo) ListItems(ctx context.Context, jobID string) ([]*model.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM job_items
		WHERE job_id = $1
		ORDER BY position`, jobID)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list items: %w", err))
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, scanErr := scanItemFromRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan item: %w", scanErr)
		}
		items = append(items, item)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(rowsErr)
	}
	return items, nil
}

// CountRunningItems returns the number of running items across all jobs of a scope.
func (r *JobRepo) CountRunningItems(ctx context.Context, scopeID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*)
		FROM job_items i
		JOIN jobs j ON j.id = i.job_id
		WHERE j.scope_id = $1 AND i.status = 'running'`, scopeID,
	).Scan(&n)
	if err != nil {
		return 0, apperrors.MapDBError(fmt.Errorf("count running items: %w", err))
	}
	return n, nil
}

// SelectDispatchable returns up to limit queued item IDs for the scope,
// oldest job first and FIFO within a job. Items of cancelled (or otherwise
// terminal) jobs are never selected. No status is mutated here; the
// queued -> running edge belongs exclusively to the item processor.
func (r *JobRepo) SelectDispatchable(ctx context.Context, scopeID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT i.id
		FROM job_items i
		JOIN jobs j ON j.id = i.job_id
		WHERE j.scope_id = $1
		  AND i.status = 'queued'
		  AND j.status IN ('queued', 'running')
		ORDER BY j.created_at ASC, i.position ASC
		LIMIT $2`, scopeID, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("select dispatchable: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan item id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, apperrors.MapDBError(rowsErr)
	}
	return ids, nil
}

// refreshJobCountersTx recomputes the job's counters from its item rows and
// persists them. Counters are always derived, never incremented.
func (r *JobRepo) refreshJobCountersTx(
	ctx context.Context,
	tx *sql.Tx,
	jobID string,
	jobStatus model.JobStatus,
	now time.Time,
) (model.JobCounters, error) {
	var counts model.ItemStatusCounts
	if err := tx.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued')    AS queued,
			count(*) FILTER (WHERE status = 'running')   AS running,
			count(*) FILTER (WHERE status = 'succeeded') AS succeeded,
			count(*) FILTER (WHERE status = 'failed')    AS failed
		FROM job_items
		WHERE job_id = $1`, jobID,
	).Scan(&counts.Queued, &counts.Running, &counts.Succeeded, &counts.Failed); err != nil {
		return model.JobCounters{}, fmt.Errorf("count items: %w", err)
	}

	counters := model.DeriveCounters(counts, jobStatus)
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET total_items = $2,
		    queued_items = $3,
		    running_items = $4,
		    succeeded_items = $5,
		    failed_items = $6,
		    cancelled_items = $7,
		    updated_at = $8
		WHERE id = $1`,
		jobID,
		counters.Total, counters.Queued, counters.Running,
		counters.Succeeded, counters.Failed, counters.Cancelled,
		now,
	); err != nil {
		return model.JobCounters{}, fmt.Errorf("refresh job counters: %w", err)
	}
	return counters, nil
}
