package daemon

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/model"
)

// SubmitResult records a worker's final outcome. Reports for records that
// already reached a terminal state, that are not executing, or that carry
// a superseded lease epoch are rejected without touching the record.
func (s *CommandService) SubmitResult(ctx context.Context, id string, r model.ResultReport) (*model.Command, error) {
	if err := model.ValidateID("command", id); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cmd, err := s.apply(ctx, id, "result", func(c *model.Command) error {
		return s.lifecycle.Result(c, r)
	})
	if err != nil {
		s.log(zerolog.WarnLevel, "result_rejected id=%s status=%s error=%v", id, r.Status, err)
		return nil, err
	}
	s.log(zerolog.InfoLevel, "result id=%s agent=%s status=%s epoch=%d", cmd.ID, cmd.AgentID, cmd.Status, cmd.LeaseEpoch)
	return cmd, nil
}

// ReportProgress updates progress on an executing command.
func (s *CommandService) ReportProgress(ctx context.Context, id string, r model.ProgressReport) (*model.Command, error) {
	if err := model.ValidateID("command", id); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	cmd, err := s.apply(ctx, id, "progress", func(c *model.Command) error {
		return s.lifecycle.Progress(c, r)
	})
	if err != nil {
		return nil, err
	}
	s.log(zerolog.DebugLevel, "progress id=%s progress=%d message=%q", cmd.ID, cmd.Progress, cmd.ProgressMessage)
	return cmd, nil
}
