package data

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
	"github.com/rankhive/orchestrator/internal/testutil"
)

func newTestExecutionRepo(db *sql.DB) *ExecutionRepo {
	return NewExecutionRepo(db, RepoConfig{})
}

func TestExecutionRepo_GetOrCreate(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	ctx := context.Background()

	t.Run("creates a pending record", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, created, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, model.ExecutionStatusPending, exec.Status)
			assert.Equal(t, "a1b2c3", exec.InputHash)
			assert.Nil(t, exec.OutputHash)
			assert.Nil(t, exec.CompletedAt)
		})
	})

	t.Run("replay returns the existing record", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			first, created, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			require.True(t, created)

			second, created, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, second.ID)
		})
	})

	t.Run("key reuse with different hashes surfaces via Matches", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			_, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)

			survivor, created, err := repo.GetOrCreate(ctx,
				testutil.NewExecutionRequest().WithHashes("different", "v2").Build())
			require.NoError(t, err)
			assert.False(t, created)
			assert.False(t, survivor.Matches("different", "v2"))
		})
	})

	t.Run("racing callers converge on one record", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			const callers = 8
			results := make([]*model.Execution, callers)
			createdFlags := make([]bool, callers)
			errs := make([]error, callers)

			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], createdFlags[i], errs[i] = repo.GetOrCreate(ctx,
						testutil.NewExecutionRequest().WithKey("race-key").Build())
				}(i)
			}
			wg.Wait()

			createdCount := 0
			for i := 0; i < callers; i++ {
				require.NoError(t, errs[i])
				require.NotNil(t, results[i])
				assert.Equal(t, results[0].ID, results[i].ID)
				if createdFlags[i] {
					createdCount++
				}
			}
			assert.Equal(t, 1, createdCount)
		})
	})

	t.Run("missing fields are rejected", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			repo := newTestExecutionRepo(db)
			_, _, err := repo.GetOrCreate(ctx, &model.CreateExecutionRequest{})
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	})
}

func TestExecutionRepo_ClaimPending(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	ctx := context.Background()

	t.Run("claims a pending record", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)

			claimed, err := repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, model.ExecutionStatusRunning, claimed.Status)
		})
	})

	t.Run("exactly one of two claimers wins", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)

			first, err := repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)
			require.NotNil(t, first)

			second, err := repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)
			assert.Nil(t, second)
		})
	})

	t.Run("missing record returns nil", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			repo := newTestExecutionRepo(db)
			claimed, err := repo.ClaimPending(ctx, "00000000-0000-0000-0000-000000000000")
			require.NoError(t, err)
			assert.Nil(t, claimed)
		})
	})
}

func TestExecutionRepo_PersistResult(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	ctx := context.Background()

	t.Run("completes a running record", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)

			done, err := repo.PersistResult(ctx, core.PersistResultParams{
				ExecutionID:   exec.ID,
				OutputHash:    "out-hash",
				OutputPayload: []byte(`{"score": 87}`),
			})
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusCompleted, done.Status)
			require.NotNil(t, done.OutputHash)
			assert.Equal(t, "out-hash", *done.OutputHash)
			assert.JSONEq(t, `{"score": 87}`, string(done.OutputPayload))
			require.NotNil(t, done.CompletedAt)
		})
	})

	t.Run("already completed record is a no-op replay", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)
			first, err := repo.PersistResult(ctx, core.PersistResultParams{
				ExecutionID: exec.ID,
				OutputHash:  "out-hash",
			})
			require.NoError(t, err)

			replay, err := repo.PersistResult(ctx, core.PersistResultParams{
				ExecutionID: exec.ID,
				OutputHash:  "other-hash",
			})
			require.NoError(t, err)
			assert.Equal(t, *first.OutputHash, *replay.OutputHash, "replay keeps the original output")
		})
	})

	t.Run("pending record cannot complete", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)

			_, err = repo.PersistResult(ctx, core.PersistResultParams{ExecutionID: exec.ID})
			require.Error(t, err)
			assert.True(t, apperrors.IsConflict(err))
		})
	})
}

func TestExecutionRepo_MarkFailedAndReset(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	ctx := context.Background()

	t.Run("failed record resets to pending and can be reclaimed", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)

			failed, err := repo.MarkFailed(ctx, exec.ID, "upstream timeout")
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusFailed, failed.Status)
			require.NotNil(t, failed.ErrorMessage)
			assert.Equal(t, "upstream timeout", *failed.ErrorMessage)

			reset, err := repo.ResetFailed(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusPending, reset.Status)
			assert.Nil(t, reset.ErrorMessage)

			claimed, err := repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)
			require.NotNil(t, claimed)
		})
	})

	t.Run("resetting a non-failed record is a conflict", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			repo := newTestExecutionRepo(db)

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)

			_, err = repo.ResetFailed(ctx, exec.ID)
			require.Error(t, err)
			assert.True(t, apperrors.IsConflict(err))
		})
	})

	t.Run("marking a missing record is not found", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			repo := newTestExecutionRepo(db)
			_, err := repo.MarkFailed(ctx, "00000000-0000-0000-0000-000000000000", "boom")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrExecutionNotFound)
		})
	})
}

func TestExecutionRepo_RecoverStaleRunning(t *testing.T) {
	testutil.SkipIfNoTestDB(t)
	ctx := context.Background()

	t.Run("fails records stuck in running past the timeout", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			tp := NewFixedTimeProvider(testutil.TestTime())
			repo := NewExecutionRepo(db, RepoConfig{TimeProvider: tp})

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)

			tp.AddTime(time.Hour)
			swept, err := repo.RecoverStaleRunning(ctx, core.RecoverStaleParams{
				Timeout:   15 * time.Minute,
				BatchSize: 100,
			})
			require.NoError(t, err)
			assert.EqualValues(t, 1, swept)

			recovered, err := repo.GetByID(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusFailed, recovered.Status)
			require.NotNil(t, recovered.ErrorMessage)
			assert.Equal(t, model.StaleRunningErrorCode, *recovered.ErrorMessage)

			// The explicit reset edge unblocks the key again.
			reset, err := repo.ResetFailed(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusPending, reset.Status)
		})
	})

	t.Run("recent running records survive the sweep", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			tp := NewFixedTimeProvider(testutil.TestTime())
			repo := NewExecutionRepo(db, RepoConfig{TimeProvider: tp})

			exec, _, err := repo.GetOrCreate(ctx, testutil.NewExecutionRequest().Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, exec.ID)
			require.NoError(t, err)

			tp.AddTime(time.Minute)
			swept, err := repo.RecoverStaleRunning(ctx, core.RecoverStaleParams{
				Timeout:   15 * time.Minute,
				BatchSize: 100,
			})
			require.NoError(t, err)
			assert.Zero(t, swept)

			alive, err := repo.GetByID(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusRunning, alive.Status)
		})
	})

	t.Run("pending and completed records are never swept", func(t *testing.T) {
		testutil.WithTestDB(t, func(db *sql.DB) {
			testutil.SeedScope(t, db, "scope-1", nil)
			tp := NewFixedTimeProvider(testutil.TestTime())
			repo := NewExecutionRepo(db, RepoConfig{TimeProvider: tp})

			pending, _, err := repo.GetOrCreate(ctx,
				testutil.NewExecutionRequest().WithKey("pending-key").Build())
			require.NoError(t, err)

			completed, _, err := repo.GetOrCreate(ctx,
				testutil.NewExecutionRequest().WithKey("completed-key").Build())
			require.NoError(t, err)
			_, err = repo.ClaimPending(ctx, completed.ID)
			require.NoError(t, err)
			_, err = repo.PersistResult(ctx, core.PersistResultParams{
				ExecutionID: completed.ID,
				OutputHash:  "h",
			})
			require.NoError(t, err)

			tp.AddTime(24 * time.Hour)
			swept, err := repo.RecoverStaleRunning(ctx, core.RecoverStaleParams{
				Timeout:   15 * time.Minute,
				BatchSize: 100,
			})
			require.NoError(t, err)
			assert.Zero(t, swept)

			p, err := repo.GetByID(ctx, pending.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusPending, p.Status)
			c, err := repo.GetByID(ctx, completed.ID)
			require.NoError(t, err)
			assert.Equal(t, model.ExecutionStatusCompleted, c.Status)
		})
	})
}
