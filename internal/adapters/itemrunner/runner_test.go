package itemrunner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankhive/orchestrator/internal/adapters/queue"
	"github.com/rankhive/orchestrator/internal/core"
	"github.com/rankhive/orchestrator/internal/domain/model"
)

// chanSource feeds tasks from a channel and honors context cancellation.
type chanSource struct {
	tasks chan *queue.Task
}

func (s *chanSource) Dequeue(ctx context.Context, _ string, timeout time.Duration) (*queue.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case task := <-s.tasks:
		return task, nil
	case <-time.After(timeout):
		return nil, nil
	}
}

type repoCalls struct {
	mu       sync.Mutex
	started  []string
	finished []core.FinishItemParams
}

type stubRepo struct {
	calls    *repoCalls
	startFn  func(ctx context.Context, itemID string) (*core.StartedItem, error)
	finishFn func(ctx context.Context, params core.FinishItemParams) (*core.FinishedItem, error)
}

func (r *stubRepo) StartItem(ctx context.Context, itemID string) (*core.StartedItem, error) {
	r.calls.mu.Lock()
	r.calls.started = append(r.calls.started, itemID)
	r.calls.mu.Unlock()
	return r.startFn(ctx, itemID)
}

func (r *stubRepo) FinishItem(ctx context.Context, params core.FinishItemParams) (*core.FinishedItem, error) {
	r.calls.mu.Lock()
	r.calls.finished = append(r.calls.finished, params)
	r.calls.mu.Unlock()
	if r.finishFn != nil {
		return r.finishFn(ctx, params)
	}
	return &core.FinishedItem{}, nil
}

func (r *stubRepo) CreateJob(context.Context, *model.CreateJobRequest) (*model.Job, bool, error) {
	return nil, false, errors.New("not implemented")
}
func (r *stubRepo) GetJob(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (r *stubRepo) GetScope(context.Context, string) (*model.Scope, error) {
	return nil, errors.New("not implemented")
}
func (r *stubRepo) ListItems(context.Context, string) ([]*model.Item, error) { return nil, nil }
func (r *stubRepo) CountRunningItems(context.Context, string) (int, error) { return 0, nil }
func (r *stubRepo) SelectDispatchable(context.Context, string, int) ([]string, error) {
	return nil, nil
}
func (r *stubRepo) RetryFailedItems(context.Context, core.RetryItemsParams) (int, error) {
	return 0, nil
}
func (r *stubRepo) CancelJob(context.Context, string) (*model.Job, error) {
	return nil, errors.New("not implemented")
}
func (r *stubRepo) FailStaleRunningItems(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *countingDispatcher) Dispatch(_ context.Context, scopeID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, scopeID)
	return 0, nil
}

func startedFixture(itemID string) *core.StartedItem {
	return &core.StartedItem{
		Item: &model.Item{ID: itemID, JobID: "job-1", ItemKey: "campaign-1", Status: model.ItemStatusRunning},
		Job: &model.Job{
			ID:      "job-1",
			ScopeID: "scope-1",
			Type:    model.JobTypeOnboard,
			Status:  model.JobStatusRunning,
		},
	}
}

func newTestRunner(t *testing.T, repo core.JobRepository, dispatcher core.Dispatcher, handler core.Handler) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerOptions{
		Source:     &chanSource{tasks: make(chan *queue.Task, 1)},
		Repo:       repo,
		Dispatcher: dispatcher,
		Handlers: map[model.JobType]core.Handler{
			model.JobTypeOnboard: handler,
		},
	})
	require.NoError(t, err)
	return runner
}

func TestRunner_ProcessTask(t *testing.T) {
	ctx := context.Background()

	t.Run("successful handler finishes the item and redispatches", func(t *testing.T) {
		calls := &repoCalls{}
		repo := &stubRepo{
			calls: calls,
			startFn: func(_ context.Context, itemID string) (*core.StartedItem, error) {
				return startedFixture(itemID), nil
			},
		}
		dispatcher := &countingDispatcher{}
		handled := 0
		runner := newTestRunner(t, repo, dispatcher,
			core.HandlerFunc(func(_ context.Context, job *model.Job, item *model.Item) error {
				handled++
				assert.Equal(t, "job-1", job.ID)
				assert.Equal(t, "campaign-1", item.ItemKey)
				return nil
			}))

		runner.processTask(ctx, &queue.Task{Task: "process_item", ItemID: "item-1"})

		assert.Equal(t, 1, handled)
		require.Len(t, calls.finished, 1)
		assert.True(t, calls.finished[0].Outcome.Succeeded)
		assert.Equal(t, []string{"scope-1"}, dispatcher.calls)
	})

	t.Run("handler error records a failed verdict", func(t *testing.T) {
		calls := &repoCalls{}
		repo := &stubRepo{
			calls: calls,
			startFn: func(_ context.Context, itemID string) (*core.StartedItem, error) {
				return startedFixture(itemID), nil
			},
		}
		runner := newTestRunner(t, repo, &countingDispatcher{},
			core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
				return errors.New("campaign quota exhausted")
			}))

		runner.processTask(ctx, &queue.Task{ItemID: "item-1"})

		require.Len(t, calls.finished, 1)
		outcome := calls.finished[0].Outcome
		assert.False(t, outcome.Succeeded)
		assert.Equal(t, "handler_error", outcome.ErrorCode)
		assert.Contains(t, outcome.ErrorDetail, "campaign quota exhausted")
	})

	t.Run("handler panic is converted to a failed verdict", func(t *testing.T) {
		calls := &repoCalls{}
		repo := &stubRepo{
			calls: calls,
			startFn: func(_ context.Context, itemID string) (*core.StartedItem, error) {
				return startedFixture(itemID), nil
			},
		}
		dispatcher := &countingDispatcher{}
		runner := newTestRunner(t, repo, dispatcher,
			core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
				panic("index out of range")
			}))

		runner.processTask(ctx, &queue.Task{ItemID: "item-1"})

		require.Len(t, calls.finished, 1)
		outcome := calls.finished[0].Outcome
		assert.Equal(t, ErrorCodeHandlerPanic, outcome.ErrorCode)
		assert.Contains(t, outcome.ErrorDetail, "index out of range")
		assert.Len(t, dispatcher.calls, 1, "panic still frees the slot")
	})

	t.Run("lost claim drops the task silently", func(t *testing.T) {
		calls := &repoCalls{}
		repo := &stubRepo{
			calls:   calls,
			startFn: func(context.Context, string) (*core.StartedItem, error) { return nil, nil },
		}
		dispatcher := &countingDispatcher{}
		runner := newTestRunner(t, repo, dispatcher,
			core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
				t.Fatal("handler must not run for an unclaimed item")
				return nil
			}))

		runner.processTask(ctx, &queue.Task{ItemID: "item-1"})

		assert.Empty(t, calls.finished)
		assert.Empty(t, dispatcher.calls)
	})

	t.Run("missing handler fails the item", func(t *testing.T) {
		calls := &repoCalls{}
		repo := &stubRepo{
			calls: calls,
			startFn: func(_ context.Context, itemID string) (*core.StartedItem, error) {
				started := startedFixture(itemID)
				started.Job.Type = model.JobTypeRemediate
				return started, nil
			},
		}
		runner := newTestRunner(t, repo, &countingDispatcher{},
			core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error { return nil }))

		runner.processTask(ctx, &queue.Task{ItemID: "item-1"})

		require.Len(t, calls.finished, 1)
		assert.Equal(t, ErrorCodeNoHandler, calls.finished[0].Outcome.ErrorCode)
	})
}

func TestRunner_Run(t *testing.T) {
	t.Run("drains tasks until cancelled", func(t *testing.T) {
		source := &chanSource{tasks: make(chan *queue.Task, 2)}
		source.tasks <- &queue.Task{ItemID: "item-1"}
		source.tasks <- &queue.Task{ItemID: "item-2"}

		calls := &repoCalls{}
		repo := &stubRepo{
			calls: calls,
			startFn: func(_ context.Context, itemID string) (*core.StartedItem, error) {
				return startedFixture(itemID), nil
			},
		}
		runner, err := NewRunner(RunnerOptions{
			Source:      source,
			Repo:        repo,
			Dispatcher:  &countingDispatcher{},
			Concurrency: 2,
			PollTimeout: 50 * time.Millisecond,
			Handlers: map[model.JobType]core.Handler{
				model.JobTypeOnboard: core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
					return nil
				}),
			},
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- runner.Run(ctx) }()

		require.Eventually(t, func() bool {
			calls.mu.Lock()
			defer calls.mu.Unlock()
			return len(calls.finished) == 2
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("runner did not stop after cancellation")
		}
	})

	t.Run("requires its dependencies", func(t *testing.T) {
		_, err := NewRunner(RunnerOptions{})
		require.Error(t, err)
	})
}

// recordingGate tracks gate interactions for handler tests.
type recordingGate struct {
	allow     bool
	failures  int
	successes int
}

func (g *recordingGate) Allow(context.Context, string, string) bool    { return g.allow }
func (g *recordingGate) RecordFailure(context.Context, string, string) { g.failures++ }
func (g *recordingGate) RecordSuccess(context.Context, string, string) { g.successes++ }

func TestGatedHandler(t *testing.T) {
	ctx := context.Background()
	job := &model.Job{ID: "job-1", ScopeID: "scope-1", Type: model.JobTypeOnboard}
	item := &model.Item{ID: "item-1", ItemKey: "campaign-1"}

	t.Run("rejection short-circuits the inner handler", func(t *testing.T) {
		gate := &recordingGate{allow: false}
		inner := core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
			t.Fatal("inner handler must not run when rejected")
			return nil
		})

		err := NewGatedHandler(inner, gate).Handle(ctx, job, item)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrorCodeThrottled)
	})

	t.Run("success resets the breaker", func(t *testing.T) {
		gate := &recordingGate{allow: true}
		inner := core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error { return nil })

		require.NoError(t, NewGatedHandler(inner, gate).Handle(ctx, job, item))
		assert.Equal(t, 1, gate.successes)
		assert.Zero(t, gate.failures)
	})

	t.Run("failure feeds the breaker", func(t *testing.T) {
		gate := &recordingGate{allow: true}
		inner := core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error {
			return errors.New("boom")
		})

		require.Error(t, NewGatedHandler(inner, gate).Handle(ctx, job, item))
		assert.Equal(t, 1, gate.failures)
		assert.Zero(t, gate.successes)
	})

	t.Run("nil gate returns the inner handler", func(t *testing.T) {
		inner := core.HandlerFunc(func(context.Context, *model.Job, *model.Item) error { return nil })
		wrapped := NewGatedHandler(inner, nil)
		require.NoError(t, wrapped.Handle(ctx, job, item))
	})
}
