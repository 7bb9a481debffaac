package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/courier/internal/executor"
	"github.com/msageha/courier/internal/logging"
	"github.com/msageha/courier/internal/model"
)

const (
	DefaultPollInterval = time.Second
	maxPollBackoff      = 30 * time.Second
)

// API is the part of the courier HTTP API a worker needs.
// *client.Client satisfies it.
type API interface {
	Poll(ctx context.Context, agentID string, limit int) ([]*model.Command, error)
	ReportProgress(ctx context.Context, id string, r model.ProgressReport) (*model.Command, error)
	SubmitResult(ctx context.Context, id string, r model.ResultReport) (*model.Command, error)
}

type Options struct {
	AgentID string
	// Pollers is the number of concurrent pollers, each with its own session.
	Pollers int
	// BatchSize is the limit passed to each poll.
	BatchSize    int
	PollInterval time.Duration
}

// Worker polls commands for one agent and executes them by command type.
type Worker struct {
	api      API
	registry *executor.Registry
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions []*Session
}

func New(api API, registry *executor.Registry, opts Options, logger zerolog.Logger) (*Worker, error) {
	if opts.AgentID == "" {
		return nil, model.NewValidationError("agent_id", "is required")
	}
	if opts.Pollers <= 0 {
		opts.Pollers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Worker{
		api:      api,
		registry: registry,
		opts:     opts,
		logger:   logging.Component(logger, "worker").With().Str("agent_id", opts.AgentID).Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run starts the pollers and blocks until ctx is cancelled. A command being
// executed when ctx ends is abandoned without a report; the server's timeout
// sweep requeues it.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= w.opts.Pollers; i++ {
		s := newSession(w.opts.AgentID, i, w.now())
		w.mu.Lock()
		w.sessions = append(w.sessions, s)
		w.mu.Unlock()
		g.Go(func() error {
			w.pollLoop(gctx, s)
			return nil
		})
	}
	w.log(zerolog.InfoLevel, "worker started pollers=%d batch=%d interval=%s", w.opts.Pollers, w.opts.BatchSize, w.opts.PollInterval)
	err := g.Wait()
	w.log(zerolog.InfoLevel, "worker stopped")
	return err
}

// Sessions returns a summary of every poller, ordered by poller number.
func (w *Worker) Sessions() []SessionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SessionStatus, 0, len(w.sessions))
	for _, s := range w.sessions {
		out = append(out, s.Status())
	}
	sortStatuses(out)
	return out
}

func (w *Worker) pollLoop(ctx context.Context, s *Session) {
	backoff := w.opts.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}
		cmds, err := w.api.Poll(ctx, s.AgentID, w.opts.BatchSize)
		s.polled(w.now())

		wait := w.opts.PollInterval
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.log(zerolog.WarnLevel, "poll_failed session=%s poller=%d error=%v", s.ID, s.Poller, err)
			wait = backoff
			backoff = min(backoff*2, maxPollBackoff)
		case len(cmds) > 0:
			backoff = w.opts.PollInterval
			for _, cmd := range cmds {
				w.handle(ctx, s, cmd)
			}
			// More work may be waiting; poll again straight away.
			wait = 0
		default:
			backoff = w.opts.PollInterval
		}

		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// handle executes one claimed command within its timeout and reports the
// outcome with the lease epoch it was claimed under.
func (w *Worker) handle(ctx context.Context, s *Session, cmd *model.Command) {
	s.begin(cmd)
	epoch := cmd.LeaseEpoch
	w.log(zerolog.InfoLevel, "command_start session=%s id=%s type=%s epoch=%d", s.ID, cmd.ID, cmd.Type, epoch)

	execCtx, cancel := context.WithTimeout(ctx, cmd.Timeout())
	defer cancel()

	// Set when the server refuses a progress report: the command was
	// cancelled or re-leased, so the result would be rejected too.
	var leaseLost atomic.Pointer[error]
	progress := func(percent int, message string) error {
		_, err := w.api.ReportProgress(execCtx, cmd.ID, model.ProgressReport{Progress: percent, Message: message, LeaseEpoch: &epoch})
		if errors.Is(err, model.ErrInvalidTransition) {
			leaseLost.Store(&err)
			cancel()
			return err
		}
		if err != nil {
			w.log(zerolog.DebugLevel, "progress_failed id=%s error=%v", cmd.ID, err)
		}
		return nil
	}

	res, err := w.run(execCtx, cmd, progress)
	switch {
	case leaseLost.Load() != nil:
		w.log(zerolog.WarnLevel, "command_abandoned session=%s id=%s reason=%v", s.ID, cmd.ID, *leaseLost.Load())
		s.finish(true, true)
		return
	case ctx.Err() != nil:
		w.log(zerolog.WarnLevel, "command_abandoned session=%s id=%s reason=worker stopping", s.ID, cmd.ID)
		s.finish(true, false)
		return
	}

	report := model.ResultReport{Status: model.CommandStatusSuccess, Output: res.Output, LeaseEpoch: &epoch}
	if err != nil {
		report = model.ResultReport{Status: model.CommandStatusError, ErrorMessage: err.Error(), LeaseEpoch: &epoch}
	}
	_, serr := w.api.SubmitResult(ctx, cmd.ID, report)
	switch {
	case errors.Is(serr, model.ErrInvalidTransition):
		w.log(zerolog.WarnLevel, "result_rejected session=%s id=%s error=%v", s.ID, cmd.ID, serr)
		s.finish(true, true)
	case serr != nil:
		w.log(zerolog.ErrorLevel, "result_failed session=%s id=%s error=%v", s.ID, cmd.ID, serr)
		s.finish(true, false)
	default:
		w.log(zerolog.InfoLevel, "command_done session=%s id=%s status=%s", s.ID, cmd.ID, report.Status)
		s.finish(err != nil, false)
	}
}

func (w *Worker) run(ctx context.Context, cmd *model.Command, progress func(int, string) error) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	ex, err := w.registry.Lookup(string(cmd.Type))
	if err != nil {
		return executor.Result{}, err
	}
	return ex.Execute(ctx, executor.Request{
		ID:       cmd.ID,
		AgentID:  cmd.AgentID,
		Kind:     string(cmd.Type),
		Input:    cmd.Content,
		Progress: progress,
	})
}

func (w *Worker) log(level zerolog.Level, format string, args ...any) {
	w.logger.WithLevel(level).Msgf(format, args...)
}
