package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/courier/internal/lock"
	"github.com/msageha/courier/internal/model"
)

// MemoryStore keeps records in maps. Updates serialize per record id
// through a lock.MutexMap so unrelated records never contend.
type MemoryStore struct {
	mu         sync.RWMutex
	commands   map[string]*model.Command
	executions map[string]*model.Execution
	logs       map[string][]model.ExecutionLog
	nextLogID  int64

	locks *lock.MutexMap
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands:   make(map[string]*model.Command),
		executions: make(map[string]*model.Execution),
		logs:       make(map[string][]model.ExecutionLog),
		locks:      lock.NewMutexMap(),
	}
}

func (s *MemoryStore) CreateCommand(_ context.Context, cmd *model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commands[cmd.ID]; ok {
		return fmt.Errorf("command %s already exists", cmd.ID)
	}
	cp := cmd.Clone()
	cp.Version = 1
	cmd.Version = 1
	s.commands[cmd.ID] = cp
	return nil
}

func (s *MemoryStore) GetCommand(_ context.Context, id string) (*model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, commandNotFound(id)
	}
	return cmd.Clone(), nil
}

func (s *MemoryStore) ListCommands(_ context.Context, f model.CommandFilter) ([]*model.Command, int, error) {
	s.mu.RLock()
	var matched []*model.Command
	for _, cmd := range s.commands {
		if f.Matches(cmd) {
			matched = append(matched, cmd.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if f.PageSize <= 0 {
		return matched, total, nil
	}
	start, end := pageBounds(total, f.Page, f.PageSize)
	return matched[start:end], total, nil
}

func (s *MemoryStore) UpdateCommand(_ context.Context, id string, fn Mutator[model.Command]) (*model.Command, error) {
	s.locks.Lock("cmd:" + id)
	defer s.locks.Unlock("cmd:" + id)

	s.mu.RLock()
	cur, ok := s.commands[id]
	s.mu.RUnlock()
	if !ok {
		return nil, commandNotFound(id)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	s.commands[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) ListActiveCommands(_ context.Context) ([]*model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Command
	for _, cmd := range s.commands {
		if !model.IsCommandTerminal(cmd.Status) {
			out = append(out, cmd.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CountCommandsByStatus(_ context.Context, agentID string) (map[model.CommandStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.CommandStatus]int)
	for _, cmd := range s.commands {
		if agentID != "" && cmd.AgentID != agentID {
			continue
		}
		out[cmd.Status]++
	}
	return out, nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	cp := exec.Clone()
	cp.Version = 1
	exec.Version = 1
	s.executions[exec.ID] = cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, executionNotFound(id)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, f model.ExecutionFilter) ([]*model.Execution, int, error) {
	s.mu.RLock()
	var matched []*model.Execution
	for _, exec := range s.executions {
		if f.Matches(exec) {
			matched = append(matched, exec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if f.PageSize <= 0 {
		return matched, total, nil
	}
	start, end := pageBounds(total, f.Page, f.PageSize)
	return matched[start:end], total, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, id string, fn Mutator[model.Execution]) (*model.Execution, error) {
	s.locks.Lock("exec:" + id)
	defer s.locks.Unlock("exec:" + id)

	s.mu.RLock()
	cur, ok := s.executions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, executionNotFound(id)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = cur.ID
	next.Version = cur.Version + 1

	s.mu.Lock()
	s.executions[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *MemoryStore) AppendLog(_ context.Context, entry *model.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[entry.ExecutionID]; !ok {
		return executionNotFound(entry.ExecutionID)
	}
	s.nextLogID++
	entry.ID = s.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	cp.Metadata = model.CloneMap(entry.Metadata)
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], cp)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, executionID string) ([]model.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.executions[executionID]; !ok {
		return nil, executionNotFound(executionID)
	}
	src := s.logs[executionID]
	out := make([]model.ExecutionLog, len(src))
	copy(out, src)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
