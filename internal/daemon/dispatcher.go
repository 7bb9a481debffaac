package daemon

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/model"
)

const (
	DefaultPollLimit = 1
	MaxPollLimit     = 50
)

// Poll hands up to limit commands (DefaultPollLimit when zero) to a polling worker of agentID. Each
// entry is popped atomically from the agent's queue and then claimed;
// entries whose record is no longer pending (cancelled while queued, or
// already claimed through a stale duplicate) are dropped.
func (s *CommandService) Poll(ctx context.Context, agentID string, limit int) ([]*model.Command, error) {
	if agentID == "" {
		return nil, model.NewValidationError("agent_id", "is required")
	}
	if limit == 0 {
		limit = DefaultPollLimit
	}
	if limit < 1 || limit > MaxPollLimit {
		return nil, model.NewValidationError("limit", "must be in [1,%d], got %d", MaxPollLimit, limit)
	}

	entries, err := s.queue.DequeueBatch(ctx, agentID, limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]*model.Command, 0, len(entries))
	for _, e := range entries {
		cmd, err := s.apply(ctx, e.CommandID, "claim", s.lifecycle.Claim)
		switch {
		case err == nil:
			claimed = append(claimed, cmd)
			s.log(zerolog.InfoLevel, "dispatch id=%s agent=%s priority=%d epoch=%d", cmd.ID, agentID, cmd.Priority, cmd.LeaseEpoch)
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrNotFound):
			s.log(zerolog.DebugLevel, "dispatch_skip id=%s agent=%s reason=%v", e.CommandID, agentID, err)
		default:
			// Claim failed for an infrastructure reason; put the entry back so
			// it is not lost, and return what was claimed so far.
			if rerr := s.queue.Enqueue(ctx, agentID, e.CommandID, e.Priority); rerr != nil {
				s.log(zerolog.ErrorLevel, "dispatch_requeue id=%s error=%v", e.CommandID, rerr)
			}
			if len(claimed) > 0 {
				s.log(zerolog.WarnLevel, "dispatch_partial agent=%s claimed=%d error=%v", agentID, len(claimed), err)
				return claimed, nil
			}
			return nil, err
		}
	}
	return claimed, nil
}
