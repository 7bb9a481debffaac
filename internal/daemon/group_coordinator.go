package daemon

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

// MemberRunner runs one group member as a child execution of parent.
type MemberRunner interface {
	RunMember(ctx context.Context, parent *model.Execution, agentID string, input map[string]any) (*model.Execution, error)
}

// MemberOutcome is the per-member part of a group result.
type MemberOutcome struct {
	AgentID     string                `json:"agent_id"`
	ExecutionID string                `json:"execution_id,omitempty"`
	Status      model.ExecutionStatus `json:"status"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
}

type GroupResult struct {
	Mode    model.ExecutionMode   `json:"mode"`
	Status  model.ExecutionStatus `json:"status"`
	Members []MemberOutcome       `json:"members"`
	Error   string                `json:"error,omitempty"`
}

// Output is the parent execution's output: every dispatched member's
// outcome, plus the last member's output for sequential runs.
func (g *GroupResult) Output() map[string]any {
	if g == nil {
		return nil
	}
	members := make([]any, 0, len(g.Members))
	for _, m := range g.Members {
		entry := map[string]any{
			"agent_id":     m.AgentID,
			"execution_id": m.ExecutionID,
			"status":       string(m.Status),
		}
		if m.Output != nil {
			entry["output"] = model.CloneMap(m.Output)
		}
		if m.Error != "" {
			entry["error"] = m.Error
		}
		members = append(members, entry)
	}
	out := map[string]any{"mode": string(g.Mode), "members": members}
	if g.Mode == model.ExecutionModeSequential && len(g.Members) > 0 {
		if last := g.Members[len(g.Members)-1]; last.Status == model.ExecutionStatusCompleted {
			out["final_output"] = model.CloneMap(last.Output)
		}
	}
	return out
}

// GroupCoordinator fans a group execution out to its members.
type GroupCoordinator struct {
	runner      MemberRunner
	maxParallel int
	logger      zerolog.Logger
}

func NewGroupCoordinator(runner MemberRunner, maxParallel int, logger zerolog.Logger) *GroupCoordinator {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &GroupCoordinator{
		runner:      runner,
		maxParallel: maxParallel,
		logger:      logging.Component(logger, "group"),
	}
}

// Execute runs group for parent. The returned result is never nil; the
// error is non-nil only for infrastructure failures.
func (c *GroupCoordinator) Execute(ctx context.Context, parent *model.Execution, group model.Group, input map[string]any) (*GroupResult, error) {
	result := &GroupResult{Mode: group.Mode, Members: []MemberOutcome{}}
	var err error
	switch group.Mode {
	case model.ExecutionModeSequential:
		err = c.sequential(ctx, parent, group, input, result)
	case model.ExecutionModeParallel:
		err = c.parallel(ctx, parent, group, input, result)
	default:
		err = fmt.Errorf("group %s: unknown mode %q", group.ID, group.Mode)
	}
	if err != nil {
		result.Status = model.ExecutionStatusFailed
		result.Error = err.Error()
		return result, err
	}
	return result, nil
}

// sequential runs members in ascending priority order, feeding each one
// the previous member's output, and stops at the first failure.
func (c *GroupCoordinator) sequential(ctx context.Context, parent *model.Execution, group model.Group, input map[string]any, result *GroupResult) error {
	next := model.CloneMap(input)
	for _, m := range group.OrderedMembers() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		child, err := c.runner.RunMember(ctx, parent, m.AgentID, next)
		if err != nil {
			return err
		}
		outcome := outcomeOf(m.AgentID, child)
		result.Members = append(result.Members, outcome)
		c.log(zerolog.DebugLevel, "member_done parent=%s agent=%s status=%s", parent.ID, m.AgentID, outcome.Status)

		if outcome.Status != model.ExecutionStatusCompleted {
			result.Status = model.ExecutionStatusFailed
			result.Error = fmt.Sprintf("member %s %s: %s", m.AgentID, outcome.Status, outcome.Error)
			c.log(zerolog.InfoLevel, "sequential_abort parent=%s group=%s agent=%s", parent.ID, group.ID, m.AgentID)
			return nil
		}
		next = chainInput(input, outcome.Output)
	}
	result.Status = model.ExecutionStatusCompleted
	return nil
}

// parallel runs every member concurrently with the same input, bounded by
// maxParallel, and waits for all of them.
func (c *GroupCoordinator) parallel(ctx context.Context, parent *model.Execution, group model.Group, input map[string]any, result *GroupResult) error {
	outcomes := make([]MemberOutcome, len(group.Members))
	var eg errgroup.Group
	eg.SetLimit(c.maxParallel)
	for i, m := range group.Members {
		i, m := i, m
		eg.Go(func() error {
			child, err := c.runner.RunMember(ctx, parent, m.AgentID, model.CloneMap(input))
			if err != nil {
				outcomes[i] = MemberOutcome{AgentID: m.AgentID, Status: model.ExecutionStatusFailed, Error: err.Error()}
				return err
			}
			outcomes[i] = outcomeOf(m.AgentID, child)
			return nil
		})
	}
	err := eg.Wait()
	result.Members = outcomes
	if err != nil {
		return err
	}

	result.Status = model.ExecutionStatusCompleted
	var failed []string
	for _, o := range outcomes {
		if o.Status != model.ExecutionStatusCompleted {
			failed = append(failed, o.AgentID)
		}
	}
	if len(failed) > 0 {
		result.Status = model.ExecutionStatusFailed
		result.Error = fmt.Sprintf("%d of %d members did not complete: %v", len(failed), len(outcomes), failed)
	}
	c.log(zerolog.InfoLevel, "parallel_done parent=%s group=%s status=%s", parent.ID, group.ID, result.Status)
	return nil
}

func outcomeOf(agentID string, child *model.Execution) MemberOutcome {
	return MemberOutcome{
		AgentID:     agentID,
		ExecutionID: child.ID,
		Status:      child.Status,
		Output:      child.Output,
		Error:       child.ErrorMessage,
	}
}

// chainInput builds the next sequential member's input: the original input
// plus the previous output, and the previous "response" as "message".
func chainInput(original, previous map[string]any) map[string]any {
	next := model.CloneMap(original)
	if next == nil {
		next = map[string]any{}
	}
	next["previous_output"] = model.CloneMap(previous)
	if resp, ok := previous["response"].(string); ok {
		next["message"] = resp
	}
	return next
}

func (c *GroupCoordinator) log(level zerolog.Level, format string, args ...any) {
	c.logger.WithLevel(level).Msgf(format, args...)
}
