// Package worker is the reference polling worker: a set of pollers that
// claim commands for one agent, run them through an executor registry and
// report progress and results back with the lease epoch they were given.
package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/msageha/courier/internal/model"
)

// Session is the state of one poller. It is passed explicitly through every
// call the poller makes; pollers never share a session.
type Session struct {
	ID        string
	AgentID   string
	Poller    int
	StartedAt time.Time

	mu       sync.Mutex
	current  *model.Command
	handled  int
	failed   int
	rejected int
	lastPoll time.Time
}

func newSession(agentID string, poller int, now time.Time) *Session {
	return &Session{
		ID:        model.NewID(),
		AgentID:   agentID,
		Poller:    poller,
		StartedAt: now,
	}
}

func (s *Session) begin(cmd *model.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = cmd
}

// finish records the outcome of the current command. rejected means the
// server refused the report (lease lost, cancelled, or already terminal).
func (s *Session) finish(failed, rejected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.handled++
	if failed {
		s.failed++
	}
	if rejected {
		s.rejected++
	}
}

func (s *Session) polled(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPoll = now
}

// SessionStatus is a point-in-time summary of one poller.
type SessionStatus struct {
	SessionID    string     `json:"session_id"`
	AgentID      string     `json:"agent_id"`
	Poller       int        `json:"poller"`
	Status       string     `json:"status"` // "idle" or "busy"
	CommandID    string     `json:"command_id,omitempty"`
	LeaseEpoch   int        `json:"lease_epoch,omitempty"`
	Handled      int        `json:"handled"`
	Failed       int        `json:"failed"`
	Rejected     int        `json:"rejected"`
	StartedAt    time.Time  `json:"started_at"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		SessionID: s.ID,
		AgentID:   s.AgentID,
		Poller:    s.Poller,
		Status:    "idle",
		Handled:   s.handled,
		Failed:    s.failed,
		Rejected:  s.rejected,
		StartedAt: s.StartedAt,
	}
	if s.current != nil {
		st.Status = "busy"
		st.CommandID = s.current.ID
		st.LeaseEpoch = s.current.LeaseEpoch
	}
	if !s.lastPoll.IsZero() {
		t := s.lastPoll
		st.LastPolledAt = &t
	}
	return st
}

// sortStatuses orders summaries by poller number.
func sortStatuses(out []SessionStatus) {
	sort.Slice(out, func(i, j int) bool {
		return out[i].Poller < out[j].Poller
	})
}
