package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/courier/internal/model"
)

// SweepReport summarizes one pass of the timeout monitor.
type SweepReport struct {
	Checked  int `json:"checked"`
	Overdue  int `json:"overdue"`
	Retried  int `json:"retried"`
	TimedOut int `json:"timed_out"`
	Errors   int `json:"errors"`
}

// Sweep applies the deadline event to every active command past its
// deadline. Retried commands go back on their queue with their original
// priority and a fresh sequence. Per-record failures are logged and
// counted; only a failure to list active records aborts the sweep.
func (s *CommandService) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport
	defer func() {
		recordSweep(report.Retried, report.TimedOut, report.Errors, time.Since(start))
	}()

	active, err := s.store.ListActiveCommands(ctx)
	if err != nil {
		return report, fmt.Errorf("list active commands: %w", err)
	}
	report.Checked = len(active)

	now := s.now()
	for _, snapshot := range active {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !snapshot.Overdue(now) {
			continue
		}
		report.Overdue++

		var retried bool
		cmd, err := s.apply(ctx, snapshot.ID, "expire", func(c *model.Command) error {
			var err error
			retried, err = s.lifecycle.Expire(c)
			return err
		})
		switch {
		case errors.Is(err, errNotDue), errors.Is(err, model.ErrInvalidTransition):
			// Finished or re-claimed since the snapshot.
			continue
		case err != nil:
			report.Errors++
			s.log(zerolog.ErrorLevel, "sweep_expire id=%s error=%v", snapshot.ID, err)
			continue
		}

		if !retried {
			report.TimedOut++
			s.log(zerolog.WarnLevel, "sweep_timeout id=%s agent=%s retry=%d/%d", cmd.ID, cmd.AgentID, cmd.RetryCount, cmd.MaxRetries)
			if _, err := s.queue.Remove(ctx, cmd.AgentID, cmd.ID); err != nil {
				s.log(zerolog.WarnLevel, "sweep_dequeue id=%s error=%v", cmd.ID, err)
			}
			continue
		}

		report.Retried++
		s.log(zerolog.InfoLevel, "sweep_retry id=%s agent=%s retry=%d/%d", cmd.ID, cmd.AgentID, cmd.RetryCount, cmd.MaxRetries)
		if err := s.enqueue(ctx, cmd); err != nil {
			// The record stays pending; the reconciler re-enqueues it.
			report.Errors++
		}
	}

	if depths, err := s.queue.Depths(ctx); err == nil {
		recordQueueDepths(depths)
	}
	if report.Overdue > 0 || report.Errors > 0 {
		s.log(zerolog.InfoLevel, "sweep checked=%d overdue=%d retried=%d timed_out=%d errors=%d",
			report.Checked, report.Overdue, report.Retried, report.TimedOut, report.Errors)
	}
	return report, nil
}
