package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
)

func testRunParams() RunParams {
	return RunParams{
		ScopeID:            "scope-1",
		OperationType:      "score",
		IdempotencyKey:     "round-1",
		VersionFingerprint: "v1",
		Input:              json.RawMessage(`{"keywords": ["seo tools"]}`),
	}
}

func testExecution(status model.ExecutionStatus, req *model.CreateExecutionRequest) *model.Execution {
	return &model.Execution{
		ID:                 "exec-1",
		ScopeID:            req.ScopeID,
		OperationType:      req.OperationType,
		IdempotencyKey:     req.IdempotencyKey,
		InputHash:          req.InputHash,
		VersionFingerprint: req.VersionFingerprint,
		Status:             status,
	}
}

func TestExecutionService_GetOrCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("hash mismatch on key reuse is a conflict", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				stored := testExecution(model.ExecutionStatusCompleted, req)
				stored.InputHash = "something-else"
				return stored, false, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		_, _, err := svc.GetOrCreate(ctx, &model.CreateExecutionRequest{
			ScopeID:            "scope-1",
			OperationType:      "score",
			IdempotencyKey:     "round-1",
			InputHash:          "abc",
			VersionFingerprint: "v1",
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("matching replay passes through", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusPending, req), false, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		exec, created, err := svc.GetOrCreate(ctx, &model.CreateExecutionRequest{
			ScopeID:            "scope-1",
			OperationType:      "score",
			IdempotencyKey:     "round-1",
			InputHash:          "abc",
			VersionFingerprint: "v1",
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "abc", exec.InputHash)
	})
}

func TestExecutionService_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("computes once and persists the output", func(t *testing.T) {
		var persisted core.PersistResultParams
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusPending, req), true, nil
			},
			claimPendingFn: func(_ context.Context, id string) (*model.Execution, error) {
				return &model.Execution{ID: id, Status: model.ExecutionStatusRunning}, nil
			},
			persistResultFn: func(_ context.Context, params core.PersistResultParams) (*model.Execution, error) {
				persisted = params
				now := time.Now()
				return &model.Execution{
					ID:            params.ExecutionID,
					Status:        model.ExecutionStatusCompleted,
					OutputPayload: params.OutputPayload,
					CompletedAt:   &now,
				}, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		calls := 0
		result, err := svc.Run(ctx, testRunParams(), func(_ context.Context, input []byte) ([]byte, error) {
			calls++
			assert.JSONEq(t, `{"keywords": ["seo tools"]}`, string(input))
			return []byte(`{"score": 91}`), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, model.ExecutionStatusCompleted, result.Status)
		assert.JSONEq(t, `{"score": 91}`, string(persisted.OutputPayload))
		assert.NotEmpty(t, persisted.OutputHash)
	})

	t.Run("completed replay short-circuits without computing", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				stored := testExecution(model.ExecutionStatusCompleted, req)
				stored.OutputPayload = json.RawMessage(`{"score": 42}`)
				return stored, false, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		result, err := svc.Run(ctx, testRunParams(), func(context.Context, []byte) ([]byte, error) {
			t.Fatal("compute must not run for a completed record")
			return nil, nil
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"score": 42}`, string(result.OutputPayload))
	})

	t.Run("lost claim returns the current record without computing", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusPending, req), false, nil
			},
			claimPendingFn: func(context.Context, string) (*model.Execution, error) { return nil, nil },
			getByIDFn: func(_ context.Context, id string) (*model.Execution, error) {
				return &model.Execution{ID: id, Status: model.ExecutionStatusRunning}, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		result, err := svc.Run(ctx, testRunParams(), func(context.Context, []byte) ([]byte, error) {
			t.Fatal("compute must not run after a lost claim")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusRunning, result.Status)
	})

	t.Run("compute error marks the record failed", func(t *testing.T) {
		var recordedMessage string
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusPending, req), true, nil
			},
			claimPendingFn: func(_ context.Context, id string) (*model.Execution, error) {
				return &model.Execution{ID: id, Status: model.ExecutionStatusRunning}, nil
			},
			markFailedFn: func(_ context.Context, id, msg string) (*model.Execution, error) {
				recordedMessage = msg
				return &model.Execution{ID: id, Status: model.ExecutionStatusFailed, ErrorMessage: &msg}, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		result, err := svc.Run(ctx, testRunParams(), func(context.Context, []byte) ([]byte, error) {
			return nil, errors.New("upstream serp api timeout")
		})
		require.Error(t, err)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		assert.Contains(t, recordedMessage, "upstream serp api timeout")
	})

	t.Run("compute panic is recovered and recorded", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusPending, req), true, nil
			},
			claimPendingFn: func(_ context.Context, id string) (*model.Execution, error) {
				return &model.Execution{ID: id, Status: model.ExecutionStatusRunning}, nil
			},
			markFailedFn: func(_ context.Context, id, msg string) (*model.Execution, error) {
				assert.Contains(t, msg, "compute panicked")
				return &model.Execution{ID: id, Status: model.ExecutionStatusFailed}, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		result, err := svc.Run(ctx, testRunParams(), func(context.Context, []byte) ([]byte, error) {
			panic("nil map write")
		})
		require.Error(t, err)
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	})

	t.Run("failed record demands an explicit reset", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			getOrCreateFn: func(_ context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
				return testExecution(model.ExecutionStatusFailed, req), false, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		_, err := svc.Run(ctx, testRunParams(), func(context.Context, []byte) ([]byte, error) {
			t.Fatal("compute must not run for a failed record")
			return nil, nil
		})
		require.Error(t, err)
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("invalid input is a validation error", func(t *testing.T) {
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: &fakeExecutionRepo{}})

		params := testRunParams()
		params.Input = json.RawMessage(`{not json`)
		_, err := svc.Run(ctx, params, func(context.Context, []byte) ([]byte, error) { return nil, nil })
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestExecutionService_Reset(t *testing.T) {
	ctx := context.Background()

	t.Run("delegates to the repo", func(t *testing.T) {
		repo := &fakeExecutionRepo{
			resetFailedFn: func(_ context.Context, id string) (*model.Execution, error) {
				return &model.Execution{ID: id, Status: model.ExecutionStatusPending}, nil
			},
		}
		svc := MustNewExecutionService(ExecutionServiceOptions{Repo: repo})

		exec, err := svc.Reset(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionStatusPending, exec.Status)
	})
}
