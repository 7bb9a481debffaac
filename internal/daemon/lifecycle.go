package daemon

import (
	"errors"
	"time"

	"github.com/msageha/courier/internal/model"
)

// errNotDue is returned by Expire when the record is no longer overdue by
// the time the update runs (claimed again, or finished).
var errNotDue = errors.New("command not overdue")

// Lifecycle applies state machine events to a command in place. Every
// method is a guard plus side effects and is meant to run inside
// store.UpdateCommand, so it may be invoked more than once per event.
type Lifecycle struct {
	now func() time.Time
}

func NewLifecycle(now func() time.Time) *Lifecycle {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{now: now}
}

// Claim moves a pending command to executing and starts a new lease.
func (lc *Lifecycle) Claim(cmd *model.Command) error {
	if err := lc.guard(cmd, model.CommandStatusExecuting); err != nil {
		return err
	}
	if cmd.Status != model.CommandStatusPending {
		return transitionErr(cmd, model.CommandStatusExecuting, "command already claimed, status is "+string(cmd.Status))
	}

	now := lc.now()
	deadline := now.Add(cmd.Timeout())
	cmd.Status = model.CommandStatusExecuting
	// StartedAt is per attempt; requeue and retry clear it.
	cmd.StartedAt = &now
	cmd.DeadlineAt = &deadline
	cmd.LeaseEpoch++
	cmd.Progress = 0
	cmd.ProgressMessage = ""
	return nil
}

func (lc *Lifecycle) Progress(cmd *model.Command, r model.ProgressReport) error {
	if err := lc.guardExecuting(cmd, model.CommandStatusExecuting, r.LeaseEpoch); err != nil {
		return err
	}
	cmd.Progress = r.Progress
	cmd.ProgressMessage = r.Message
	return nil
}

// Result closes an executing command with the worker's outcome.
func (lc *Lifecycle) Result(cmd *model.Command, r model.ResultReport) error {
	if err := lc.guardExecuting(cmd, r.Status, r.LeaseEpoch); err != nil {
		return err
	}

	now := lc.now()
	cmd.Status = r.Status
	cmd.CompletedAt = &now
	cmd.DeadlineAt = nil
	if r.Status == model.CommandStatusSuccess {
		cmd.Output = model.CloneMap(r.Output)
		cmd.Progress = 100
		cmd.ErrorMessage = ""
	} else {
		cmd.ErrorMessage = r.ErrorMessage
		if r.Output != nil {
			cmd.Output = model.CloneMap(r.Output)
		}
	}
	return nil
}

// Expire handles a passed deadline: requeue while retry budget remains,
// otherwise finalize as timeout. retried tells the caller to enqueue again.
func (lc *Lifecycle) Expire(cmd *model.Command) (retried bool, err error) {
	now := lc.now()
	if !cmd.Overdue(now) {
		return false, errNotDue
	}

	if cmd.RetryCount < cmd.MaxRetries {
		if err := lc.guard(cmd, model.CommandStatusPending); err != nil {
			return false, err
		}
		deadline := now.Add(cmd.Timeout())
		cmd.Status = model.CommandStatusPending
		cmd.RetryCount++
		cmd.DeadlineAt = &deadline
		cmd.StartedAt = nil
		cmd.Progress = 0
		cmd.ProgressMessage = ""
		return true, nil
	}

	if err := lc.guard(cmd, model.CommandStatusTimeout); err != nil {
		return false, err
	}
	cmd.Status = model.CommandStatusTimeout
	cmd.CompletedAt = &now
	cmd.DeadlineAt = nil
	cmd.ErrorMessage = (&model.WorkerTimeoutError{CommandID: cmd.ID, TimeoutSec: cmd.TimeoutSec}).Error()
	return false, nil
}

// Cancel finalizes a pending or executing command as cancelled.
func (lc *Lifecycle) Cancel(cmd *model.Command) error {
	if err := lc.guard(cmd, model.CommandStatusCancelled); err != nil {
		return err
	}
	now := lc.now()
	cmd.Status = model.CommandStatusCancelled
	cmd.CancelRequestedAt = &now
	cmd.CompletedAt = &now
	cmd.DeadlineAt = nil
	return nil
}

// Retry reopens an error or timeout command while retry budget remains.
func (lc *Lifecycle) Retry(cmd *model.Command) error {
	if err := model.ValidateCommandRetry(cmd.Status, cmd.RetryCount, cmd.MaxRetries); err != nil {
		return withID(err, cmd.ID)
	}
	now := lc.now()
	deadline := now.Add(cmd.Timeout())
	cmd.Status = model.CommandStatusPending
	cmd.RetryCount++
	cmd.DeadlineAt = &deadline
	cmd.Progress = 0
	cmd.ProgressMessage = ""
	cmd.Output = nil
	cmd.ErrorMessage = ""
	cmd.StartedAt = nil
	cmd.CompletedAt = nil
	cmd.CancelRequestedAt = nil
	return nil
}

func (lc *Lifecycle) guard(cmd *model.Command, to model.CommandStatus) error {
	return withID(model.ValidateCommandTransition(cmd.Status, to), cmd.ID)
}

func (lc *Lifecycle) guardExecuting(cmd *model.Command, to model.CommandStatus, epoch *int) error {
	if err := lc.guard(cmd, to); err != nil {
		return err
	}
	if cmd.Status != model.CommandStatusExecuting {
		return transitionErr(cmd, to, "command is not executing, status is "+string(cmd.Status))
	}
	if epoch != nil && *epoch != cmd.LeaseEpoch {
		return transitionErr(cmd, to, "stale lease epoch")
	}
	return nil
}

func transitionErr(cmd *model.Command, to model.CommandStatus, reason string) error {
	return &model.TransitionError{ID: cmd.ID, From: string(cmd.Status), To: string(to), Reason: reason}
}

func withID(err error, id string) error {
	var te *model.TransitionError
	if errors.As(err, &te) && te.ID == "" {
		te.ID = id
	}
	return err
}
