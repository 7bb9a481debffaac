package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/executor"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/store"
)

var errRunnerClosed = errors.New("execution runner is shutting down")

// ExecutionRunner runs ad-hoc agent and group executions in the background.
// Every run is a supervised goroutine registered by execution id, so it can
// be cancelled individually and drained on Shutdown. Agent runs (including
// group members) hold a slot of a bounded semaphore while executing.
type ExecutionRunner struct {
	store       store.ExecutionStore
	registry    *executor.Registry
	directory   *Directory
	coordinator *GroupCoordinator
	eventBus    *events.Bus
	slots       *semaphore.Weighted
	logger      zerolog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
}

func NewExecutionRunner(st store.ExecutionStore, registry *executor.Registry, dir *Directory, cfg model.RunnerConfig, logger zerolog.Logger) *ExecutionRunner {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &ExecutionRunner{
		store:     st,
		registry:  registry,
		directory: dir,
		slots:     semaphore.NewWeighted(int64(maxConcurrent)),
		logger:    logging.Component(logger, "runner"),
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]context.CancelFunc),
	}
	r.coordinator = NewGroupCoordinator(r, cfg.MaxParallel, logger)
	return r
}

// SetEventBus sets the event bus for execution and log updates.
func (r *ExecutionRunner) SetEventBus(bus *events.Bus) {
	r.eventBus = bus
}

// ExecuteAgent creates a pending execution for agentID and starts it in the
// background.
func (r *ExecutionRunner) ExecuteAgent(ctx context.Context, agentID string, input map[string]any) (*model.Execution, error) {
	agent, err := r.directory.Agent(agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Enabled {
		return nil, model.NewValidationError("agent_id", "agent %s is disabled", agentID)
	}

	exec := r.newExecution(input)
	exec.AgentID = agentID
	if err := r.launch(ctx, exec, func(runCtx context.Context) {
		r.runAgent(runCtx, exec, agent)
	}); err != nil {
		return nil, err
	}
	return exec, nil
}

// ExecuteGroup creates a pending parent execution for groupID and fans the
// input out to its members in the background.
func (r *ExecutionRunner) ExecuteGroup(ctx context.Context, groupID string, input map[string]any) (*model.Execution, error) {
	group, err := r.directory.Group(groupID)
	if err != nil {
		return nil, err
	}
	if err := group.Validate(); err != nil {
		return nil, model.NewValidationError("group_id", "%v", err)
	}

	exec := r.newExecution(input)
	exec.GroupID = groupID
	if err := r.launch(ctx, exec, func(runCtx context.Context) {
		r.runGroup(runCtx, exec, group)
	}); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *ExecutionRunner) Get(ctx context.Context, id string) (*model.Execution, error) {
	if err := model.ValidateID("execution", id); err != nil {
		return nil, err
	}
	return r.store.GetExecution(ctx, id)
}

func (r *ExecutionRunner) List(ctx context.Context, f model.ExecutionFilter, defaultPageSize int) (model.Page[*model.Execution], error) {
	if err := f.Normalize(defaultPageSize); err != nil {
		return model.Page[*model.Execution]{}, err
	}
	items, total, err := r.store.ListExecutions(ctx, f)
	if err != nil {
		return model.Page[*model.Execution]{}, fmt.Errorf("list executions: %w", err)
	}
	if items == nil {
		items = []*model.Execution{}
	}
	return model.Page[*model.Execution]{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

func (r *ExecutionRunner) Logs(ctx context.Context, id string) ([]model.ExecutionLog, error) {
	if err := model.ValidateID("execution", id); err != nil {
		return nil, err
	}
	return r.store.ListLogs(ctx, id)
}

// Cancel finalizes a pending or running execution as cancelled and stops
// its goroutine. Cancelling a group parent also cancels its members.
func (r *ExecutionRunner) Cancel(ctx context.Context, id string) (*model.Execution, error) {
	if err := model.ValidateID("execution", id); err != nil {
		return nil, err
	}
	exec, err := r.finish(ctx, id, model.ExecutionStatusCancelled, nil, "cancelled by request")
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	stop := r.running[id]
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
	r.log(zerolog.InfoLevel, "execution_cancelled id=%s", id)
	return exec, nil
}

// Shutdown stops accepting runs, marks every execution still registered as
// cancelled, cancels their goroutines and waits for them until ctx expires.
func (r *ExecutionRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	finalizeCtx := context.WithoutCancel(ctx)
	for _, id := range ids {
		_, err := r.finish(finalizeCtx, id, model.ExecutionStatusCancelled, nil, "cancelled: daemon shutting down")
		if err != nil && !errors.Is(err, model.ErrInvalidTransition) {
			r.log(zerolog.WarnLevel, "shutdown_cancel id=%s error=%v", id, err)
		}
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log(zerolog.InfoLevel, "runner drained cancelled=%d", len(ids))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain executions: %w", ctx.Err())
	}
}

// Running returns how many executions are currently registered.
func (r *ExecutionRunner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

func (r *ExecutionRunner) newExecution(input map[string]any) *model.Execution {
	in := model.CloneMap(input)
	if in == nil {
		in = map[string]any{}
	}
	return &model.Execution{
		ID:        model.NewID(),
		Status:    model.ExecutionStatusPending,
		Input:     in,
		CreatedAt: r.now(),
	}
}

// launch persists exec and starts run on a supervised goroutine.
func (r *ExecutionRunner) launch(ctx context.Context, exec *model.Execution, run func(context.Context)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errRunnerClosed
	}
	runCtx, stop := context.WithCancel(r.ctx)
	r.running[exec.ID] = stop
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.store.CreateExecution(ctx, exec); err != nil {
		r.unregister(exec.ID)
		r.wg.Done()
		return fmt.Errorf("create execution: %w", err)
	}
	r.publishExecution(exec)
	r.log(zerolog.InfoLevel, "execution_created id=%s agent=%s group=%s", exec.ID, exec.AgentID, exec.GroupID)

	go func() {
		defer r.wg.Done()
		defer r.unregister(exec.ID)
		run(runCtx)
	}()
	return nil
}

func (r *ExecutionRunner) unregister(id string) {
	r.mu.Lock()
	stop := r.running[id]
	delete(r.running, id)
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// RunMember creates a child execution of parent for agentID and runs it to
// completion on the calling goroutine. The error is non-nil only when the
// child could not be recorded; member failures show in the child status.
func (r *ExecutionRunner) RunMember(ctx context.Context, parent *model.Execution, agentID string, input map[string]any) (*model.Execution, error) {
	child := r.newExecution(input)
	child.AgentID = agentID
	child.ParentID = parent.ID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errRunnerClosed
	}
	childCtx, stop := context.WithCancel(ctx)
	r.running[child.ID] = stop
	r.mu.Unlock()
	defer r.unregister(child.ID)

	if err := r.store.CreateExecution(ctx, child); err != nil {
		return nil, fmt.Errorf("create member execution: %w", err)
	}
	r.publishExecution(child)

	agent, err := r.directory.Agent(agentID)
	if err == nil && !agent.Enabled {
		err = fmt.Errorf("agent %s is disabled", agentID)
	}
	if err != nil {
		return r.finish(context.WithoutCancel(ctx), child.ID, model.ExecutionStatusFailed, nil, err.Error())
	}
	return r.runAgent(childCtx, child, agent), nil
}

// runAgent executes one agent run and returns the final record.
func (r *ExecutionRunner) runAgent(ctx context.Context, exec *model.Execution, agent model.Agent) *model.Execution {
	storeCtx := context.WithoutCancel(ctx)

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return r.finalize(storeCtx, exec.ID, model.ExecutionStatusCancelled, nil, "cancelled before start")
	}
	recordRunning(1)
	defer func() {
		r.slots.Release(1)
		recordRunning(-1)
	}()

	if _, err := r.finish(storeCtx, exec.ID, model.ExecutionStatusRunning, nil, ""); err != nil {
		return r.current(storeCtx, exec)
	}

	ex, err := r.registry.Lookup(agent.Type)
	if err != nil {
		r.appendLog(storeCtx, exec.ID, model.LogLevelError, err.Error(), nil)
		return r.finalize(storeCtx, exec.ID, model.ExecutionStatusFailed, nil, err.Error())
	}

	r.appendLog(storeCtx, exec.ID, model.LogLevelInfo, "execution started", map[string]any{"agent_id": agent.ID, "executor": agent.Type})
	res, err := ex.Execute(ctx, executor.Request{
		ID:      exec.ID,
		AgentID: agent.ID,
		Kind:    agent.Type,
		Input:   exec.Input,
		Log: func(level model.LogLevel, message string, metadata map[string]any) {
			r.appendLog(storeCtx, exec.ID, level, message, metadata)
		},
	})

	switch {
	case ctx.Err() != nil:
		return r.finalize(storeCtx, exec.ID, model.ExecutionStatusCancelled, nil, "cancelled")
	case err != nil:
		r.appendLog(storeCtx, exec.ID, model.LogLevelError, "execution failed", map[string]any{"error": err.Error()})
		return r.finalize(storeCtx, exec.ID, model.ExecutionStatusFailed, nil, err.Error())
	default:
		r.appendLog(storeCtx, exec.ID, model.LogLevelInfo, "execution completed", nil)
		return r.finalize(storeCtx, exec.ID, model.ExecutionStatusCompleted, res.Output, "")
	}
}

func (r *ExecutionRunner) runGroup(ctx context.Context, exec *model.Execution, group model.Group) {
	storeCtx := context.WithoutCancel(ctx)
	if _, err := r.finish(storeCtx, exec.ID, model.ExecutionStatusRunning, nil, ""); err != nil {
		return
	}
	r.appendLog(storeCtx, exec.ID, model.LogLevelInfo, "group execution started",
		map[string]any{"group_id": group.ID, "mode": string(group.Mode), "members": len(group.Members)})

	result, err := r.coordinator.Execute(ctx, exec, group, exec.Input)
	switch {
	case ctx.Err() != nil:
		r.finalize(storeCtx, exec.ID, model.ExecutionStatusCancelled, result.Output(), "cancelled")
	case err != nil:
		r.finalize(storeCtx, exec.ID, model.ExecutionStatusFailed, result.Output(), err.Error())
	default:
		r.appendLog(storeCtx, exec.ID, model.LogLevelInfo, "group execution finished", map[string]any{"status": string(result.Status)})
		r.finalize(storeCtx, exec.ID, result.Status, result.Output(), result.Error)
	}
}

// finalize is finish for terminal states where the caller only needs the
// resulting record; a rejected transition returns the stored record.
func (r *ExecutionRunner) finalize(ctx context.Context, id string, to model.ExecutionStatus, output map[string]any, msg string) *model.Execution {
	exec, err := r.finish(ctx, id, to, output, msg)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidTransition) {
			r.log(zerolog.ErrorLevel, "execution_finalize id=%s to=%s error=%v", id, to, err)
		}
		cur, gerr := r.store.GetExecution(ctx, id)
		if gerr != nil {
			return &model.Execution{ID: id, Status: to, ErrorMessage: msg}
		}
		return cur
	}
	return exec
}

func (r *ExecutionRunner) current(ctx context.Context, exec *model.Execution) *model.Execution {
	cur, err := r.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return exec
	}
	return cur
}

// finish applies one guarded execution transition and publishes it.
func (r *ExecutionRunner) finish(ctx context.Context, id string, to model.ExecutionStatus, output map[string]any, msg string) (*model.Execution, error) {
	updated, err := r.store.UpdateExecution(ctx, id, func(e *model.Execution) error {
		if err := model.ValidateExecutionTransition(e.Status, to); err != nil {
			var te *model.TransitionError
			if errors.As(err, &te) {
				te.ID = id
			}
			return err
		}
		now := r.now()
		e.Status = to
		if to == model.ExecutionStatusRunning {
			e.StartedAt = &now
		}
		if model.IsExecutionTerminal(to) {
			e.CompletedAt = &now
			e.ErrorMessage = msg
			if output != nil {
				e.Output = model.CloneMap(output)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.publishExecution(updated)
	if model.IsExecutionTerminal(updated.Status) {
		recordExecutionFinished(executionKind(updated), string(updated.Status), updated.Duration())
		r.log(zerolog.InfoLevel, "execution_finished id=%s status=%s duration=%s", id, updated.Status, updated.Duration())
	}
	return updated, nil
}

func (r *ExecutionRunner) appendLog(ctx context.Context, id string, level model.LogLevel, message string, metadata map[string]any) {
	entry := &model.ExecutionLog{
		ExecutionID: id,
		Level:       level,
		Message:     message,
		Metadata:    metadata,
		CreatedAt:   r.now(),
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.log(zerolog.WarnLevel, "execution_log id=%s error=%v", id, err)
		return
	}
	if r.eventBus != nil {
		r.eventBus.Publish(events.EventExecutionLog, map[string]any{
			"execution_id": id,
			"log_id":       entry.ID,
			"level":        string(level),
			"message":      message,
			"metadata":     metadata,
			"created_at":   entry.CreatedAt,
		})
	}
}

func (r *ExecutionRunner) publishExecution(e *model.Execution) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(events.EventExecutionUpdate, map[string]any{
		"execution_id":  e.ID,
		"agent_id":      e.AgentID,
		"group_id":      e.GroupID,
		"parent_id":     e.ParentID,
		"status":        string(e.Status),
		"error_message": e.ErrorMessage,
	})
}

func executionKind(e *model.Execution) string {
	switch {
	case e.GroupID != "":
		return "group"
	case e.ParentID != "":
		return "member"
	default:
		return "agent"
	}
}

func (r *ExecutionRunner) log(level zerolog.Level, format string, args ...any) {
	r.logger.WithLevel(level).Msgf(format, args...)
}
