package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
	apperrors "github.com/rankhive/orchestrator/internal/errors"
	"github.com/rankhive/orchestrator/internal/observability/metrics"
)

// ExecutionServiceOptions groups dependencies for ExecutionService.
type ExecutionServiceOptions struct {
	Repo   core.ExecutionRepository // Required: execution ledger repository
	Logger *slog.Logger             // Optional: structured logger
}

// ExecutionService provides the idempotent execution ledger: each unique
// (scope, operation, idempotency key) triple computes at most once, and
// replays of a completed round return the stored output without recomputing.
type ExecutionService struct {
	repo   core.ExecutionRepository
	logger *slog.Logger
}

// NewExecutionService constructs a new ExecutionService.
func NewExecutionService(opts ExecutionServiceOptions) (*ExecutionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ExecutionRepository is required")
	}
	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "execution_service")
	}
	return &ExecutionService{
		repo:   opts.Repo,
		logger: logger,
	}, nil
}

// MustNewExecutionService constructs a new ExecutionService and panics on error.
func MustNewExecutionService(opts ExecutionServiceOptions) *ExecutionService {
	svc, err := NewExecutionService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create ExecutionService: %v", err))
	}
	return svc
}

// RunParams describes one idempotent computation round.
type RunParams struct {
	ScopeID            string
	OperationType      string
	IdempotencyKey     string
	VersionFingerprint string
	Input              json.RawMessage
}

// GetOrCreate registers the ledger record for the request, applying the
// key-reuse rule: an existing record whose content hashes differ from the
// request is a conflict, never a cache hit.
func (s *ExecutionService) GetOrCreate(ctx context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
	exec, created, err := s.repo.GetOrCreate(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("get or create execution: %w", err)
	}
	if !created && !exec.Matches(req.InputHash, req.VersionFingerprint) {
		return nil, false, apperrors.Conflictf(
			"idempotency key %s/%s/%s reused with different input or version",
			req.ScopeID, req.OperationType, req.IdempotencyKey)
	}
	return exec, created, nil
}

// Get returns one ledger record.
func (s *ExecutionService) Get(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// Reset applies the explicit failed -> pending edge so the next Run call
// can re-attempt the computation.
func (s *ExecutionService) Reset(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := s.repo.ResetFailed(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reset execution: %w", err)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "execution reset to pending", "execution_id", exec.ID)
	}
	return exec, nil
}

// Run performs one idempotent round of the opaque computation:
// get-or-create the record, short-circuit on a completed round, claim the
// pending record, compute, and persist the verdict. When another worker
// holds the claim, the current record is returned still running; callers
// poll or retry later. A failed record is a conflict until Reset is called.
func (s *ExecutionService) Run(ctx context.Context, params RunParams, compute core.ComputeFunc) (*model.Execution, error) {
	if compute == nil {
		return nil, errors.New("compute function is required")
	}

	inputHash, err := model.InputHash(params.Input)
	if err != nil {
		return nil, apperrors.ValidationField("input", fmt.Sprintf("input is not valid JSON: %v", err))
	}

	exec, created, err := s.GetOrCreate(ctx, &model.CreateExecutionRequest{
		ScopeID:            params.ScopeID,
		OperationType:      params.OperationType,
		IdempotencyKey:     params.IdempotencyKey,
		InputHash:          inputHash,
		VersionFingerprint: params.VersionFingerprint,
	})
	if err != nil {
		return nil, err
	}

	if !created {
		switch exec.Status {
		case model.ExecutionStatusCompleted:
			metrics.ExecutionsClaimed.WithLabelValues("cached").Inc()
			if s.logger != nil {
				s.logger.InfoContext(ctx, "execution replay served from ledger",
					"execution_id", exec.ID,
					"operation_type", exec.OperationType,
				)
			}
			return exec, nil
		case model.ExecutionStatusFailed:
			return exec, apperrors.Conflictf("execution %s failed previously; reset before re-running", exec.ID)
		}
	}

	claimed, err := s.repo.ClaimPending(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	if claimed == nil {
		// Lost the claim race, or the record moved on between fetch and claim.
		metrics.ExecutionsClaimed.WithLabelValues("lost").Inc()
		current, getErr := s.repo.GetByID(ctx, exec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("refetch execution: %w", getErr)
		}
		return current, nil
	}
	metrics.ExecutionsClaimed.WithLabelValues("won").Inc()

	output, computeErr := s.computeSafely(ctx, compute, params.Input)
	if computeErr != nil {
		failed, markErr := s.repo.MarkFailed(ctx, claimed.ID, computeErr.Error())
		if markErr != nil {
			if s.logger != nil {
				s.logger.ErrorContext(ctx, "mark execution failed errored",
					"execution_id", claimed.ID,
					"error", markErr,
				)
			}
			return nil, fmt.Errorf("compute failed (%w) and could not be recorded: %w", computeErr, markErr)
		}
		return failed, fmt.Errorf("compute: %w", computeErr)
	}

	outputHash, hashErr := model.InputHash(output)
	if hashErr != nil {
		outputHash = ""
	}
	persisted, persistErr := s.repo.PersistResult(ctx, core.PersistResultParams{
		ExecutionID:   claimed.ID,
		OutputHash:    outputHash,
		OutputPayload: output,
	})
	if persistErr != nil {
		return nil, fmt.Errorf("persist execution result: %w", persistErr)
	}
	if s.logger != nil {
		s.logger.InfoContext(ctx, "execution completed",
			"execution_id", persisted.ID,
			"operation_type", persisted.OperationType,
		)
	}
	return persisted, nil
}

func (s *ExecutionService) computeSafely(ctx context.Context, compute core.ComputeFunc, input []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()
	return compute(ctx, input)
}
