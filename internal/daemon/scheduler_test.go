package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsJob(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}))
	s.Start()
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_RejectsBadInterval(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	assert.Error(t, s.Every("bad", 0, func(context.Context) error { return nil }))
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Every("slow", time.Second, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	assert.True(t, cancelled.Load())
	s.Stop()
}
