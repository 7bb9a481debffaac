package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyQueue fails the first failures Enqueue calls as unavailable.
type flakyQueue struct {
	queue.Queue
	failures atomic.Int32
	calls    atomic.Int32
}

func (q *flakyQueue) Enqueue(ctx context.Context, agentID, commandID string, priority int) error {
	q.calls.Add(1)
	if q.failures.Add(-1) >= 0 {
		return &model.QueueUnavailableError{AgentID: agentID, Err: context.DeadlineExceeded}
	}
	return q.Queue.Enqueue(ctx, agentID, commandID, priority)
}

type commandFixture struct {
	svc   *CommandService
	store *store.MemoryStore
	queue queue.Queue
	clock *fakeClock
	bus   *events.Bus
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Queue.EnqueueBackoffMs = 1
	cfg.Queue.EnqueueRetries = 2
	return cfg
}

func newCommandFixture(t *testing.T, q queue.Queue) *commandFixture {
	t.Helper()
	if q == nil {
		q = queue.NewMemoryQueue()
	}
	st := store.NewMemoryStore()
	clock := newFakeClock()
	bus := events.NewBus(256)
	t.Cleanup(bus.Close)

	svc := NewCommandService(st, q, testConfig(), zerolog.Nop())
	svc.SetClock(clock.Now)
	svc.SetEventBus(bus)
	return &commandFixture{svc: svc, store: st, queue: q, clock: clock, bus: bus}
}

func intPtr(n int) *int { return &n }

func (f *commandFixture) create(t *testing.T, agentID string, priority int) *model.Command {
	t.Helper()
	cmd, err := f.svc.Create(context.Background(), model.CreateCommandRequest{
		AgentID:  agentID,
		Type:     model.CommandTypeTask,
		Content:  map[string]any{"n": priority},
		Priority: intPtr(priority),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return cmd
}
