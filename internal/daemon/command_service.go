package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/events"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/queue"
	"github.com/msageha/courier/internal/store"
)

// CommandService owns the command lifecycle: creation, dispatch to polling
// workers, result ingestion, retry, cancellation and the deadline sweep.
// Every status change goes through store.UpdateCommand with a Lifecycle
// guard, then is counted and published on the event bus.
type CommandService struct {
	store     store.CommandStore
	queue     queue.Queue
	config    model.Config
	lifecycle *Lifecycle
	directory *Directory
	eventBus  *events.Bus
	logger    zerolog.Logger
}

func NewCommandService(st store.CommandStore, q queue.Queue, cfg model.Config, logger zerolog.Logger) *CommandService {
	return &CommandService{
		store:     st,
		queue:     q,
		config:    cfg,
		lifecycle: NewLifecycle(nil),
		directory: NewDirectory(cfg.Agents, cfg.Groups),
		logger:    logging.Component(logger, "commands"),
	}
}

// SetEventBus sets the event bus for publishing transitions.
func (s *CommandService) SetEventBus(bus *events.Bus) {
	s.eventBus = bus
}

// SetDirectory shares the agent directory with other components.
func (s *CommandService) SetDirectory(d *Directory) {
	s.directory = d
}

// SetClock overrides the clock used for timestamps and deadlines.
func (s *CommandService) SetClock(now func() time.Time) {
	s.lifecycle = NewLifecycle(now)
}

func (s *CommandService) now() time.Time { return s.lifecycle.now() }

// Create validates req, persists a pending command and enqueues it. When
// the queue stays unavailable after retries the persisted command is
// returned together with a QueueUnavailableError; the reconciler will
// enqueue it later.
func (s *CommandService) Create(ctx context.Context, req model.CreateCommandRequest) (*model.Command, error) {
	priority, timeoutSec, maxRetries, err := req.Validate(s.config.Commands)
	if err != nil {
		return nil, err
	}
	if !s.directory.Known(req.AgentID) {
		return nil, model.NewValidationError("agent_id", "unknown agent %q", req.AgentID)
	}

	now := s.now()
	deadline := now.Add(time.Duration(timeoutSec) * time.Second)
	content := model.CloneMap(req.Content)
	if content == nil {
		content = map[string]any{}
	}
	cmd := &model.Command{
		ID:         model.NewID(),
		AgentID:    req.AgentID,
		Type:       req.Type,
		Content:    content,
		Status:     model.CommandStatusPending,
		Priority:   priority,
		TimeoutSec: timeoutSec,
		MaxRetries: maxRetries,
		DeadlineAt: &deadline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	recordCommandCreated(string(cmd.Type))
	s.publishTransition("create", "", cmd)
	s.log(zerolog.InfoLevel, "command_created id=%s agent=%s type=%s priority=%d timeout=%d max_retries=%d",
		cmd.ID, cmd.AgentID, cmd.Type, cmd.Priority, cmd.TimeoutSec, cmd.MaxRetries)

	if err := s.enqueue(ctx, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func (s *CommandService) Get(ctx context.Context, id string) (*model.Command, error) {
	if err := model.ValidateID("command", id); err != nil {
		return nil, err
	}
	return s.store.GetCommand(ctx, id)
}

func (s *CommandService) List(ctx context.Context, f model.CommandFilter) (model.Page[*model.Command], error) {
	if err := f.Normalize(s.config.Commands.DefaultPageSize); err != nil {
		return model.Page[*model.Command]{}, err
	}
	items, total, err := s.store.ListCommands(ctx, f)
	if err != nil {
		return model.Page[*model.Command]{}, fmt.Errorf("list commands: %w", err)
	}
	if items == nil {
		items = []*model.Command{}
	}
	return model.Page[*model.Command]{Items: items, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}

// Stats counts records by status and samples queue depth, for one agent
// when agentID is set.
func (s *CommandService) Stats(ctx context.Context, agentID string) (*model.CommandStats, error) {
	counts, err := s.store.CountCommandsByStatus(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("count commands: %w", err)
	}
	stats := &model.CommandStats{
		StatusCounts: make(map[model.CommandStatus]int, len(model.AllCommandStatuses)),
		QueueDepths:  make(map[string]int),
	}
	for _, st := range model.AllCommandStatuses {
		stats.StatusCounts[st] = counts[st]
		stats.Total += counts[st]
	}

	if agentID != "" {
		n, err := s.queue.Depth(ctx, agentID)
		if err != nil {
			return nil, err
		}
		stats.QueueDepths[agentID] = n
		return stats, nil
	}
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return nil, err
	}
	for agent, n := range depths {
		stats.QueueDepths[agent] = n
	}
	return stats, nil
}

// Retry reopens an error or timeout command and puts it back on its queue.
func (s *CommandService) Retry(ctx context.Context, id string) (*model.Command, error) {
	if err := model.ValidateID("command", id); err != nil {
		return nil, err
	}
	cmd, err := s.apply(ctx, id, "retry", s.lifecycle.Retry)
	if err != nil {
		return nil, err
	}
	s.log(zerolog.InfoLevel, "command_retry id=%s retry=%d/%d", cmd.ID, cmd.RetryCount, cmd.MaxRetries)
	if err := s.enqueue(ctx, cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

// Cancel finalizes a pending or executing command. A pending command's
// queue entry is removed so no worker can receive it; an executing one is
// rejected on the worker's next progress or result report.
func (s *CommandService) Cancel(ctx context.Context, id string) (*model.Command, error) {
	if err := model.ValidateID("command", id); err != nil {
		return nil, err
	}
	cmd, err := s.apply(ctx, id, "cancel", s.lifecycle.Cancel)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Remove(ctx, cmd.AgentID, cmd.ID); err != nil {
		// The claim guard still rejects the stale entry if it is popped later.
		s.log(zerolog.WarnLevel, "cancel_dequeue id=%s error=%v", cmd.ID, err)
	}
	s.log(zerolog.InfoLevel, "command_cancelled id=%s agent=%s", cmd.ID, cmd.AgentID)
	return cmd, nil
}

// apply runs one guarded transition and publishes it when it commits.
func (s *CommandService) apply(ctx context.Context, id, event string, fn func(*model.Command) error) (*model.Command, error) {
	var from model.CommandStatus
	updated, err := s.store.UpdateCommand(ctx, id, func(c *model.Command) error {
		from = c.Status
		return fn(c)
	})
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			recordRejected(event)
			s.log(zerolog.DebugLevel, "transition_rejected event=%s id=%s reason=%v", event, id, err)
		}
		return nil, err
	}
	recordTransition(event, string(updated.Status))
	s.publishTransition(event, from, updated)
	return updated, nil
}

// enqueue retries queue unavailability with doubling backoff.
func (s *CommandService) enqueue(ctx context.Context, cmd *model.Command) error {
	retries := s.config.Queue.EnqueueRetries
	backoff := time.Duration(s.config.Queue.EnqueueBackoffMs) * time.Millisecond

	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return &model.QueueUnavailableError{AgentID: cmd.AgentID, Err: ctx.Err()}
			case <-t.C:
			}
			backoff *= 2
		}
		err = s.queue.Enqueue(ctx, cmd.AgentID, cmd.ID, cmd.Priority)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrQueueUnavailable) {
			return err
		}
		s.log(zerolog.WarnLevel, "enqueue_retry id=%s attempt=%d/%d error=%v", cmd.ID, attempt+1, retries+1, err)
	}
	recordEnqueueFailure()
	s.log(zerolog.ErrorLevel, "enqueue_failed id=%s agent=%s error=%v", cmd.ID, cmd.AgentID, err)
	return err
}

func (s *CommandService) publishTransition(event string, from model.CommandStatus, cmd *model.Command) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(events.EventCommandTransition, map[string]any{
		"event":       event,
		"command_id":  cmd.ID,
		"agent_id":    cmd.AgentID,
		"from":        string(from),
		"to":          string(cmd.Status),
		"retry_count": cmd.RetryCount,
		"lease_epoch": cmd.LeaseEpoch,
		"progress":    cmd.Progress,
	})
}

func (s *CommandService) log(level zerolog.Level, format string, args ...any) {
	s.logger.WithLevel(level).Msgf(format, args...)
}
