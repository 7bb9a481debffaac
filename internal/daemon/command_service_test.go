package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/store"
)

func TestCommandService_CreateDefaultsAndEnqueues(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	cmd, err := f.svc.Create(ctx, model.CreateCommandRequest{AgentID: "a1", Type: model.CommandTypeTask})
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, cmd.Status)
	assert.Equal(t, 0, cmd.Priority)
	assert.Equal(t, 300, cmd.TimeoutSec)
	assert.Equal(t, 3, cmd.MaxRetries)
	assert.NotNil(t, cmd.Content)
	require.NotNil(t, cmd.DeadlineAt)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), *cmd.DeadlineAt)

	queued, err := f.queue.Contains(ctx, "a1", cmd.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	_, err = f.svc.Create(ctx, model.CreateCommandRequest{AgentID: "a1", Type: "bogus"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = f.svc.Create(ctx, model.CreateCommandRequest{AgentID: "a1", Type: model.CommandTypeTask, Priority: intPtr(101)})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCommandService_CreateRejectsUnknownAgent(t *testing.T) {
	f := newCommandFixture(t, nil)
	f.svc.SetDirectory(NewDirectory([]model.Agent{{ID: "a1", Type: "echo", Enabled: true}}, nil))

	_, err := f.svc.Create(context.Background(), model.CreateCommandRequest{AgentID: "ghost", Type: model.CommandTypeTask})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, `agent_id: unknown agent "ghost"`, err.Error())

	page, err := f.svc.List(context.Background(), model.CommandFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total, "rejected command must not be stored")
}

func TestCommandService_PollOrdersByPriorityThenFIFO(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	low := f.create(t, "a1", 1)
	highA := f.create(t, "a1", 9)
	highB := f.create(t, "a1", 9)

	got, err := f.svc.Poll(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{highA.ID, highB.ID, low.ID}, []string{got[0].ID, got[1].ID, got[2].ID})
	for _, c := range got {
		assert.Equal(t, model.CommandStatusExecuting, c.Status)
		assert.Equal(t, 1, c.LeaseEpoch)
	}

	got, err = f.svc.Poll(ctx, "a1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.Poll(ctx, "a1", MaxPollLimit+1)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestCommandService_ResultAndProgress(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)

	_, err := f.svc.ReportProgress(ctx, cmd.ID, model.ProgressReport{Progress: 10})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	claimed, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	p, err := f.svc.ReportProgress(ctx, cmd.ID, model.ProgressReport{Progress: 60, Message: "half", LeaseEpoch: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 60, p.Progress)

	_, err = f.svc.ReportProgress(ctx, cmd.ID, model.ProgressReport{Progress: 101})
	assert.ErrorIs(t, err, model.ErrValidation)

	done, err := f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{
		Status:     model.CommandStatusSuccess,
		Output:     map[string]any{"answer": "42"},
		LeaseEpoch: intPtr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusSuccess, done.Status)
	assert.Equal(t, "42", done.Output["answer"])

	_, err = f.svc.SubmitResult(ctx, "not-an-id", model.ResultReport{Status: model.CommandStatusSuccess})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCommandService_TimeoutRetryScenario(t *testing.T) {
	tests := []struct {
		name  string
		claim bool
	}{
		{name: "never claimed", claim: false},
		{name: "claimed then silent", claim: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCommandFixture(t, nil)
			ctx := context.Background()

			cmd, err := f.svc.Create(ctx, model.CreateCommandRequest{
				AgentID:    "a1",
				Type:       model.CommandTypeTask,
				Priority:   intPtr(50),
				TimeoutSec: intPtr(5),
				MaxRetries: intPtr(2),
			})
			require.NoError(t, err)

			if tt.claim {
				claimed, err := f.svc.Poll(ctx, "a1", 1)
				require.NoError(t, err)
				require.Len(t, claimed, 1)
			}

			var statuses []model.CommandStatus
			for i := 0; i < 3; i++ {
				f.clock.Advance(6 * time.Second)
				_, err := f.svc.Sweep(ctx)
				require.NoError(t, err)
				cur, err := f.svc.Get(ctx, cmd.ID)
				require.NoError(t, err)
				statuses = append(statuses, cur.Status)
			}
			assert.Equal(t, []model.CommandStatus{
				model.CommandStatusPending,
				model.CommandStatusPending,
				model.CommandStatusTimeout,
			}, statuses)

			final, err := f.svc.Get(ctx, cmd.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, final.RetryCount)
			assert.Contains(t, final.ErrorMessage, "timed out after 5 seconds")
			assert.NotNil(t, final.CompletedAt)

			queued, err := f.queue.Contains(ctx, "a1", cmd.ID)
			require.NoError(t, err)
			assert.False(t, queued, "timed out command must leave the queue")
		})
	}
}

func TestCommandService_SweepRequeuesWithOriginalPriority(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	slow, err := f.svc.Create(ctx, model.CreateCommandRequest{
		AgentID: "a1", Type: model.CommandTypeTask, Priority: intPtr(80), TimeoutSec: intPtr(5),
	})
	require.NoError(t, err)
	_, err = f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	other := f.create(t, "a1", 10)

	f.clock.Advance(6 * time.Second)
	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	next, err := f.svc.Poll(ctx, "a1", 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, slow.ID, next[0].ID)
	assert.Equal(t, 2, next[0].LeaseEpoch)
	assert.Equal(t, other.ID, next[1].ID)
}

func TestCommandService_LateResultRejected(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	cmd, err := f.svc.Create(ctx, model.CreateCommandRequest{
		AgentID: "a1", Type: model.CommandTypeTask, TimeoutSec: intPtr(5), MaxRetries: intPtr(0),
	})
	require.NoError(t, err)
	_, err = f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	before, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, model.CommandStatusTimeout, before.Status)

	f.clock.Advance(time.Second)
	_, err = f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{Status: model.CommandStatusSuccess, Output: map[string]any{"late": true}})
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Equal(t, "already in terminal state: timeout", model.ErrorMessage(err))

	after, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusTimeout, after.Status)
	assert.Equal(t, before.CompletedAt, after.CompletedAt)
	assert.Nil(t, after.Output)
}

func TestCommandService_StaleEpochAfterRequeue(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	cmd, err := f.svc.Create(ctx, model.CreateCommandRequest{
		AgentID: "a1", Type: model.CommandTypeTask, TimeoutSec: intPtr(5), MaxRetries: intPtr(1),
	})
	require.NoError(t, err)
	_, err = f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Second)
	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	second, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, 2, second[0].LeaseEpoch)

	_, err = f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{Status: model.CommandStatusSuccess, LeaseEpoch: intPtr(1)})
	assert.Equal(t, "stale lease epoch", model.ErrorMessage(err))

	_, err = f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{Status: model.CommandStatusSuccess, LeaseEpoch: intPtr(2)})
	assert.NoError(t, err)
}

func TestCommandService_CancelledPendingNeverDispatched(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)

	cancelled, err := f.svc.Cancel(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusCancelled, cancelled.Status)

	got, err := f.svc.Poll(ctx, "a1", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = f.svc.Cancel(ctx, cmd.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestCommandService_ClaimSkipsStaleQueueEntry(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)

	// Cancel behind the queue's back: the entry survives but must not dispatch.
	_, err := f.store.UpdateCommand(ctx, cmd.ID, func(c *model.Command) error {
		return NewLifecycle(f.clock.Now).Cancel(c)
	})
	require.NoError(t, err)

	got, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCommandService_ConcurrentPollSingleWinner(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)

	const pollers = 16
	var wg sync.WaitGroup
	results := make(chan []*model.Command, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.Poll(ctx, "a1", 1)
			if err == nil {
				results <- got
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for got := range results {
		for _, c := range got {
			assert.Equal(t, cmd.ID, c.ID)
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCommandService_Retry(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)

	_, err := f.svc.Retry(ctx, cmd.ID)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	_, err = f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{Status: model.CommandStatusError, ErrorMessage: "boom"})
	require.NoError(t, err)

	retried, err := f.svc.Retry(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.ErrorMessage)

	again, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].LeaseEpoch)
}

func TestCommandService_ListAndStats(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	f.create(t, "a1", 1)
	f.create(t, "a1", 2)
	f.create(t, "a2", 3)
	_, err := f.svc.Poll(ctx, "a2", 1)
	require.NoError(t, err)

	page, err := f.svc.List(ctx, model.CommandFilter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 20, page.PageSize)

	page, err = f.svc.List(ctx, model.CommandFilter{Status: model.CommandStatusExecuting})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = f.svc.List(ctx, model.CommandFilter{Status: "nope"})
	assert.ErrorIs(t, err, model.ErrValidation)

	stats, err := f.svc.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.StatusCounts[model.CommandStatusPending])
	assert.Equal(t, 1, stats.StatusCounts[model.CommandStatusExecuting])
	assert.Equal(t, 0, stats.StatusCounts[model.CommandStatusTimeout])
	assert.Equal(t, 2, stats.QueueDepths["a1"])

	stats, err = f.svc.Stats(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.QueueDepths["a2"])
}

func TestCommandService_EnqueueBackoff(t *testing.T) {
	q := &flakyQueue{Queue: queue.NewMemoryQueue()}
	q.failures.Store(2)
	f := newCommandFixture(t, q)

	cmd := f.create(t, "a1", 5)
	assert.Equal(t, int32(3), q.calls.Load())
	queued, err := f.queue.Contains(context.Background(), "a1", cmd.ID)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestCommandService_QueueUnavailableKeepsRecord(t *testing.T) {
	q := &flakyQueue{Queue: queue.NewMemoryQueue()}
	q.failures.Store(100)
	f := newCommandFixture(t, q)
	ctx := context.Background()

	cmd, err := f.svc.Create(ctx, model.CreateCommandRequest{AgentID: "a1", Type: model.CommandTypeTask})
	require.ErrorIs(t, err, model.ErrQueueUnavailable)
	require.NotNil(t, cmd)
	assert.Equal(t, int32(3), q.calls.Load())

	stored, err := f.svc.Get(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, stored.Status)

	// Once the queue recovers the reconciler enqueues the orphan.
	q.failures.Store(0)
	repairs, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, RepairMissingEntry, repairs[0].Pattern)
	assert.Equal(t, cmd.ID, repairs[0].CommandID)
}

func TestCommandService_ReconcileRemovesStrayEntry(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()
	cmd := f.create(t, "a1", 5)
	_, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(ctx, "a1", cmd.ID, 5))

	repairs, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, repairs, 1)
	assert.Equal(t, RepairStrayEntry, repairs[0].Pattern)

	repairs, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, repairs)
}

func TestCommandService_PublishesTransitions(t *testing.T) {
	f := newCommandFixture(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	f.bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Data["event"].(string)+":"+e.Data["to"].(string))
	}, events.EventCommandTransition)

	cmd := f.create(t, "a1", 5)
	_, err := f.svc.Poll(ctx, "a1", 1)
	require.NoError(t, err)
	_, err = f.svc.SubmitResult(ctx, cmd.ID, model.ResultReport{Status: model.CommandStatusSuccess})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"create:pending", "claim:executing", "result:success"}, seen)
}

func TestCommandService_ResultRacesSweepOnSQLite(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := newFakeClock()
	svc := NewCommandService(st, queue.NewMemoryQueue(), testConfig(), zerolog.Nop())
	svc.SetClock(clock.Now)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := svc.Create(ctx, model.CreateCommandRequest{
			AgentID:    "a1",
			Type:       model.CommandTypeTask,
			TimeoutSec: intPtr(5),
			MaxRetries: intPtr(0),
		})
		require.NoError(t, err)
	}
	claimed, err := svc.Poll(ctx, "a1", n)
	require.NoError(t, err)
	require.Len(t, claimed, n)
	clock.Advance(6 * time.Second)

	accepted := make(map[string]bool, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Sweep(ctx)
		assert.NoError(t, err)
	}()
	for _, c := range claimed {
		wg.Add(1)
		go func(c *model.Command) {
			defer wg.Done()
			epoch := c.LeaseEpoch
			_, err := svc.SubmitResult(ctx, c.ID, model.ResultReport{
				Status:     model.CommandStatusSuccess,
				Output:     map[string]any{"ok": true},
				LeaseEpoch: &epoch,
			})
			switch {
			case err == nil:
				mu.Lock()
				accepted[c.ID] = true
				mu.Unlock()
			case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrConflict):
			default:
				t.Errorf("result %s: unexpected error %v", c.ID, err)
			}
		}(c)
	}
	wg.Wait()

	for _, c := range claimed {
		final, err := svc.Get(ctx, c.ID)
		require.NoError(t, err)
		if accepted[c.ID] {
			assert.Equal(t, model.CommandStatusSuccess, final.Status, c.ID)
			assert.Equal(t, true, final.Output["ok"], c.ID)
			assert.Empty(t, final.ErrorMessage, c.ID)
		} else {
			assert.Equal(t, model.CommandStatusTimeout, final.Status, c.ID)
			assert.Empty(t, final.Output, c.ID)
			assert.Contains(t, final.ErrorMessage, "timed out", c.ID)
		}
	}
}
