// Package executor defines how a unit of work is actually carried out for
// an agent. The dispatch core only sees the Executor interface; concrete
// executors are looked up by kind in a Registry.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/courier/internal/model"
)

const (
	KindEcho = "echo"
	KindNoop = "noop"
)

var ErrUnknownExecutor = errors.New("unknown executor")

// Request is one unit of work. Progress and Log may be nil.
type Request struct {
	ID      string
	AgentID string
	Kind    string
	Input   map[string]any

	Progress func(percent int, message string) error
	Log      func(level model.LogLevel, message string, metadata map[string]any)
}

func (r Request) reportProgress(percent int, message string) error {
	if r.Progress == nil {
		return nil
	}
	return r.Progress(percent, message)
}

func (r Request) log(level model.LogLevel, message string, metadata map[string]any) {
	if r.Log != nil {
		r.Log(level, message, metadata)
	}
}

type Result struct {
	Output map[string]any
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Execute(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// Registry maps a kind (agent type or command type) to an Executor.
type Registry struct {
	mu       sync.RWMutex
	byKind   map[string]Executor
	fallback string
}

// NewRegistry returns a registry with the built-in echo and noop executors.
// Unknown kinds resolve to fallback when it is non-empty.
func NewRegistry(fallback string) *Registry {
	r := &Registry{byKind: make(map[string]Executor), fallback: fallback}
	r.Register(KindEcho, Echo{})
	r.Register(KindNoop, Noop{})
	return r
}

func (r *Registry) Register(kind string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = e
}

func (r *Registry) Lookup(kind string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byKind[kind]; ok {
		return e, nil
	}
	if e, ok := r.byKind[r.fallback]; ok && r.fallback != "" {
		return e, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, kind)
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Echo returns its input as output. A string "message" is also returned as
// "response". Input keys steer it for testing and demos:
//
//	delay_ms  sleep before answering, honoring cancellation
//	fail      return an error with this text
type Echo struct{}

func (Echo) Execute(ctx context.Context, req Request) (Result, error) {
	req.log(model.LogLevelInfo, "echo started", map[string]any{"agent_id": req.AgentID})
	if err := req.reportProgress(10, "started"); err != nil {
		return Result{}, err
	}

	if d, ok := numberField(req.Input, "delay_ms"); ok && d > 0 {
		t := time.NewTimer(time.Duration(d) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}

	if msg, ok := req.Input["fail"].(string); ok && msg != "" {
		req.log(model.LogLevelError, "echo failing on request", map[string]any{"reason": msg})
		return Result{}, errors.New(msg)
	}

	out := model.CloneMap(req.Input)
	if out == nil {
		out = make(map[string]any)
	}
	if msg, ok := req.Input["message"].(string); ok {
		out["response"] = msg
	}
	if err := req.reportProgress(100, "done"); err != nil {
		return Result{}, err
	}
	return Result{Output: out}, nil
}

// Noop completes immediately with an empty output.
type Noop struct{}

func (Noop) Execute(ctx context.Context, _ Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]any{}}, nil
}

func numberField(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
