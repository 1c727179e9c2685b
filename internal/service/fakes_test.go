package service

import (
	"context"
	"errors"
	"time"

	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
)

// fakeJobRepo implements core.JobRepository with overridable behavior per method.
type fakeJobRepo struct {
	createJobFn        func(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error)
	getJobFn           func(ctx context.Context, jobID string) (*model.Job, error)
	getScopeFn         func(ctx context.Context, scopeID string) (*model.Scope, error)
	listItemsFn        func(ctx context.Context, jobID string) ([]*model.Item, error)
	countRunningFn     func(ctx context.Context, scopeID string) (int, error)
	selectDispatchFn   func(ctx context.Context, scopeID string, limit int) ([]string, error)
	startItemFn        func(ctx context.Context, itemID string) (*core.StartedItem, error)
	finishItemFn       func(ctx context.Context, params core.FinishItemParams) (*core.FinishedItem, error)
	retryFailedFn      func(ctx context.Context, params core.RetryItemsParams) (int, error)
	cancelJobFn        func(ctx context.Context, jobID string) (*model.Job, error)
	failStaleRunningFn func(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

func (f *fakeJobRepo) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.Job, bool, error) {
	if f.createJobFn != nil {
		return f.createJobFn(ctx, req)
	}
	return nil, false, errors.New("createJobFn not set")
}

func (f *fakeJobRepo) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if f.getJobFn != nil {
		return f.getJobFn(ctx, jobID)
	}
	return nil, errors.New("getJobFn not set")
}

func (f *fakeJobRepo) GetScope(ctx context.Context, scopeID string) (*model.Scope, error) {
	if f.getScopeFn != nil {
		return f.getScopeFn(ctx, scopeID)
	}
	return &model.Scope{ID: scopeID, Name: "scope"}, nil
}

func (f *fakeJobRepo) ListItems(ctx context.Context, jobID string) ([]*model.Item, error) {
	if f.listItemsFn != nil {
		return f.listItemsFn(ctx, jobID)
	}
	return nil, nil
}

func (f *fakeJobRepo) CountRunningItems(ctx context.Context, scopeID string) (int, error) {
	if f.countRunningFn != nil {
		return f.countRunningFn(ctx, scopeID)
	}
	return 0, nil
}

func (f *fakeJobRepo) SelectDispatchable(ctx context.Context, scopeID string, limit int) ([]string, error) {
	if f.selectDispatchFn != nil {
		return f.selectDispatchFn(ctx, scopeID, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) StartItem(ctx context.Context, itemID string) (*core.StartedItem, error) {
	if f.startItemFn != nil {
		return f.startItemFn(ctx, itemID)
	}
	return nil, nil
}

func (f *fakeJobRepo) FinishItem(ctx context.Context, params core.FinishItemParams) (*core.FinishedItem, error) {
	if f.finishItemFn != nil {
		return f.finishItemFn(ctx, params)
	}
	return nil, errors.New("finishItemFn not set")
}

func (f *fakeJobRepo) RetryFailedItems(ctx context.Context, params core.RetryItemsParams) (int, error) {
	if f.retryFailedFn != nil {
		return f.retryFailedFn(ctx, params)
	}
	return 0, nil
}

func (f *fakeJobRepo) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	if f.cancelJobFn != nil {
		return f.cancelJobFn(ctx, jobID)
	}
	return nil, errors.New("cancelJobFn not set")
}

func (f *fakeJobRepo) FailStaleRunningItems(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if f.failStaleRunningFn != nil {
		return f.failStaleRunningFn(ctx, maxAge, batchSize)
	}
	return 0, nil
}

// fakeBroker records enqueued item IDs and optionally fails after a number
// of successful enqueues.
type fakeBroker struct {
	enqueued  []string
	failAfter int
	err       error
}

func (f *fakeBroker) Enqueue(_ context.Context, _, itemID, _ string) error {
	if f.err != nil && len(f.enqueued) >= f.failAfter {
		return f.err
	}
	f.enqueued = append(f.enqueued, itemID)
	return nil
}

// fakeDispatcher records dispatch calls per scope.
type fakeDispatcher struct {
	calls []string
	n     int
	err   error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, scopeID string) (int, error) {
	f.calls = append(f.calls, scopeID)
	return f.n, f.err
}

// fakeExecutionRepo implements core.ExecutionRepository with overridable behavior.
type fakeExecutionRepo struct {
	getOrCreateFn   func(ctx context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error)
	getByIDFn       func(ctx context.Context, id string) (*model.Execution, error)
	claimPendingFn  func(ctx context.Context, id string) (*model.Execution, error)
	persistResultFn func(ctx context.Context, params core.PersistResultParams) (*model.Execution, error)
	markFailedFn    func(ctx context.Context, id, errorMessage string) (*model.Execution, error)
	resetFailedFn   func(ctx context.Context, id string) (*model.Execution, error)
	recoverStaleFn  func(ctx context.Context, params core.RecoverStaleParams) (int64, error)
}

func (f *fakeExecutionRepo) GetOrCreate(ctx context.Context, req *model.CreateExecutionRequest) (*model.Execution, bool, error) {
	if f.getOrCreateFn != nil {
		return f.getOrCreateFn(ctx, req)
	}
	return nil, false, errors.New("getOrCreateFn not set")
}

func (f *fakeExecutionRepo) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, errors.New("getByIDFn not set")
}

func (f *fakeExecutionRepo) ClaimPending(ctx context.Context, id string) (*model.Execution, error) {
	if f.claimPendingFn != nil {
		return f.claimPendingFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeExecutionRepo) PersistResult(ctx context.Context, params core.PersistResultParams) (*model.Execution, error) {
	if f.persistResultFn != nil {
		return f.persistResultFn(ctx, params)
	}
	return nil, errors.New("persistResultFn not set")
}

func (f *fakeExecutionRepo) MarkFailed(ctx context.Context, id, errorMessage string) (*model.Execution, error) {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, id, errorMessage)
	}
	return nil, errors.New("markFailedFn not set")
}

func (f *fakeExecutionRepo) ResetFailed(ctx context.Context, id string) (*model.Execution, error) {
	if f.resetFailedFn != nil {
		return f.resetFailedFn(ctx, id)
	}
	return nil, errors.New("resetFailedFn not set")
}

func (f *fakeExecutionRepo) RecoverStaleRunning(ctx context.Context, params core.RecoverStaleParams) (int64, error) {
	if f.recoverStaleFn != nil {
		return f.recoverStaleFn(ctx, params)
	}
	return 0, nil
}
