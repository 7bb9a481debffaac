package model

import "time"

// Execution is an ad-hoc run against one agent or a group. Group runs
// create one child execution per dispatched member, linked by ParentID.
type Execution struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id,omitempty"`
	GroupID      string          `json:"group_id,omitempty"`
	ParentID     string          `json:"parent_id,omitempty"`
	Status       ExecutionStatus `json:"status"`
	Input        map[string]any  `json:"input"`
	Output       map[string]any  `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Version      int             `json:"version"`
}

func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Input = CloneMap(e.Input)
	out.Output = CloneMap(e.Output)
	out.StartedAt = cloneTime(e.StartedAt)
	out.CompletedAt = cloneTime(e.CompletedAt)
	return &out
}

// Duration is zero until the execution has both started and completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

type ExecutionLog struct {
	ID          int64          `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type ExecutionFilter struct {
	AgentID  string
	GroupID  string
	ParentID string
	Status   ExecutionStatus
	Page     int
	PageSize int
}

func (f *ExecutionFilter) Normalize(defaultPageSize int) error {
	if f.Status != "" && !ValidExecutionStatus(f.Status) {
		return NewValidationError("status", "unknown status %q", f.Status)
	}
	return normalizePage(&f.Page, &f.PageSize, defaultPageSize)
}

func (f *ExecutionFilter) Matches(e *Execution) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	if f.ParentID != "" && e.ParentID != f.ParentID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
