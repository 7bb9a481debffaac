package daemon

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/model"
)

// ReconcileRepair describes a single repair action performed by the reconciler.
type ReconcileRepair struct {
	Pattern   string `json:"pattern"`
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id"`
	Detail    string `json:"detail,omitempty"`
}

const (
	// RepairMissingEntry: a pending record has no queue entry (enqueue
	// failed, or the queue lost its data on restart).
	RepairMissingEntry = "missing_entry"
	// RepairStrayEntry: an executing record still has a queue entry.
	RepairStrayEntry = "stray_entry"
)

// Reconcile brings the queue index back in line with the record store.
// The store is the source of truth: every pending command must be queued
// exactly once and nothing else may be.
func (s *CommandService) Reconcile(ctx context.Context) ([]ReconcileRepair, error) {
	active, err := s.store.ListActiveCommands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active commands: %w", err)
	}

	var repairs []ReconcileRepair
	for _, cmd := range active {
		queued, err := s.queue.Contains(ctx, cmd.AgentID, cmd.ID)
		if err != nil {
			return repairs, err
		}

		switch {
		case cmd.Status == model.CommandStatusPending && !queued:
			if err := s.enqueue(ctx, cmd); err != nil {
				return repairs, err
			}
			repairs = append(repairs, ReconcileRepair{Pattern: RepairMissingEntry, CommandID: cmd.ID, AgentID: cmd.AgentID})
			s.log(zerolog.WarnLevel, "reconcile_enqueue id=%s agent=%s priority=%d", cmd.ID, cmd.AgentID, cmd.Priority)

		case cmd.Status == model.CommandStatusExecuting && queued:
			if _, err := s.queue.Remove(ctx, cmd.AgentID, cmd.ID); err != nil {
				return repairs, err
			}
			repairs = append(repairs, ReconcileRepair{Pattern: RepairStrayEntry, CommandID: cmd.ID, AgentID: cmd.AgentID})
			s.log(zerolog.WarnLevel, "reconcile_dequeue id=%s agent=%s", cmd.ID, cmd.AgentID)
		}
	}
	return repairs, nil
}
