package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/model"
)

func TestRegistry_LookupAndFallback(t *testing.T) {
	r := NewRegistry("")
	assert.Equal(t, []string{KindEcho, KindNoop}, r.Kinds())

	_, err := r.Lookup("shell")
	assert.ErrorIs(t, err, ErrUnknownExecutor)

	r.Register("shell", Noop{})
	e, err := r.Lookup("shell")
	require.NoError(t, err)
	assert.IsType(t, Noop{}, e)

	withFallback := NewRegistry(KindNoop)
	e, err = withFallback.Lookup("anything")
	require.NoError(t, err)
	assert.IsType(t, Noop{}, e)
}

func TestEcho_ReturnsInputAndResponse(t *testing.T) {
	var (
		progress []int
		logs     []string
	)
	req := Request{
		ID:    "e-1",
		Input: map[string]any{"message": "hi", "n": 1},
		Progress: func(p int, _ string) error {
			progress = append(progress, p)
			return nil
		},
		Log: func(_ model.LogLevel, msg string, _ map[string]any) { logs = append(logs, msg) },
	}

	res, err := Echo{}.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output["response"])
	assert.Equal(t, float64(1), res.Output["n"])
	assert.Equal(t, []int{10, 100}, progress)
	assert.NotEmpty(t, logs)

	// Output must not alias the input.
	res.Output["message"] = "changed"
	assert.Equal(t, "hi", req.Input["message"])
}

func TestEcho_Fail(t *testing.T) {
	_, err := Echo{}.Execute(context.Background(), Request{Input: map[string]any{"fail": "boom"}})
	assert.EqualError(t, err, "boom")
}

func TestEcho_DelayHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Echo{}.Execute(ctx, Request{Input: map[string]any{"delay_ms": float64(5000)}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEcho_ProgressRejectionStopsWork(t *testing.T) {
	stale := errors.New("stale lease epoch")
	_, err := Echo{}.Execute(context.Background(), Request{
		Progress: func(int, string) error { return stale },
	})
	assert.ErrorIs(t, err, stale)
}

func TestNoop(t *testing.T) {
	res, err := Noop{}.Execute(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, res.Output)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Noop{}.Execute(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	f := Func(func(_ context.Context, req Request) (Result, error) {
		return Result{Output: map[string]any{"id": req.ID}}, nil
	})
	res, err := f.Execute(context.Background(), Request{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "x", res.Output["id"])
}
