package model

import (
	"encoding/json"
	"time"
)

type CommandType string

const (
	CommandTypePause        CommandType = "pause"
	CommandTypeCancel       CommandType = "cancel"
	CommandTypeTask         CommandType = "task"
	CommandTypeConfigReload CommandType = "config_reload"
	CommandTypeStatusCheck  CommandType = "status_check"
)

var validCommandTypes = map[CommandType]bool{
	CommandTypePause:        true,
	CommandTypeCancel:       true,
	CommandTypeTask:         true,
	CommandTypeConfigReload: true,
	CommandTypeStatusCheck:  true,
}

func ValidCommandType(t CommandType) bool {
	return validCommandTypes[t]
}

const (
	MinPriority   = 0
	MaxPriority   = 100
	MinTimeoutSec = 1
	MaxRetryLimit = 10
	MaxPageSize   = 100
)

// Command is one instruction addressed to a single agent.
type Command struct {
	ID                string         `json:"id"`
	AgentID           string         `json:"agent_id"`
	Type              CommandType    `json:"type"`
	Content           map[string]any `json:"content"`
	Status            CommandStatus  `json:"status"`
	Priority          int            `json:"priority"`
	TimeoutSec        int            `json:"timeout"`
	RetryCount        int            `json:"retry_count"`
	MaxRetries        int            `json:"max_retries"`
	Progress          int            `json:"progress"`
	ProgressMessage   string         `json:"progress_message,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	LeaseEpoch        int            `json:"lease_epoch"`
	DeadlineAt        *time.Time     `json:"deadline_at,omitempty"`
	CancelRequestedAt *time.Time     `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Version           int            `json:"version"`
}

func (c *Command) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Overdue reports whether an active command has passed its deadline.
func (c *Command) Overdue(now time.Time) bool {
	if IsCommandTerminal(c.Status) || c.DeadlineAt == nil {
		return false
	}
	return now.After(*c.DeadlineAt)
}

func (c *Command) Clone() *Command {
	if c == nil {
		return nil
	}
	out := *c
	out.Content = CloneMap(c.Content)
	out.Output = CloneMap(c.Output)
	out.DeadlineAt = cloneTime(c.DeadlineAt)
	out.CancelRequestedAt = cloneTime(c.CancelRequestedAt)
	out.StartedAt = cloneTime(c.StartedAt)
	out.CompletedAt = cloneTime(c.CompletedAt)
	return &out
}

// CreateCommandRequest is the issuer-facing creation payload. Optional
// fields left nil take the configured defaults.
type CreateCommandRequest struct {
	AgentID    string         `json:"agent_id"`
	Type       CommandType    `json:"type"`
	Content    map[string]any `json:"content"`
	Priority   *int           `json:"priority,omitempty"`
	TimeoutSec *int           `json:"timeout,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// Validate checks the request against d and returns the normalized values.
func (r *CreateCommandRequest) Validate(d CommandsConfig) (priority, timeoutSec, maxRetries int, err error) {
	if r.AgentID == "" {
		return 0, 0, 0, NewValidationError("agent_id", "is required")
	}
	if !ValidCommandType(r.Type) {
		return 0, 0, 0, NewValidationError("type", "unknown command type %q", r.Type)
	}

	priority = d.DefaultPriority
	if r.Priority != nil {
		priority = *r.Priority
	}
	if priority < MinPriority || priority > MaxPriority {
		return 0, 0, 0, NewValidationError("priority", "must be in [%d,%d], got %d", MinPriority, MaxPriority, priority)
	}

	timeoutSec = d.DefaultTimeoutSec
	if r.TimeoutSec != nil {
		timeoutSec = *r.TimeoutSec
	}
	if timeoutSec < MinTimeoutSec || timeoutSec > d.MaxTimeoutSec {
		return 0, 0, 0, NewValidationError("timeout", "must be in [%d,%d] seconds, got %d", MinTimeoutSec, d.MaxTimeoutSec, timeoutSec)
	}

	maxRetries = d.DefaultMaxRetries
	if r.MaxRetries != nil {
		maxRetries = *r.MaxRetries
	}
	if maxRetries < 0 || maxRetries > MaxRetryLimit {
		return 0, 0, 0, NewValidationError("max_retries", "must be in [0,%d], got %d", MaxRetryLimit, maxRetries)
	}
	return priority, timeoutSec, maxRetries, nil
}

type CommandFilter struct {
	AgentID   string
	Status    CommandStatus
	Type      CommandType
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// Normalize applies paging defaults and rejects out-of-range values.
func (f *CommandFilter) Normalize(defaultPageSize int) error {
	if f.Status != "" && !ValidCommandStatus(f.Status) {
		return NewValidationError("status", "unknown status %q", f.Status)
	}
	if f.Type != "" && !ValidCommandType(f.Type) {
		return NewValidationError("type", "unknown command type %q", f.Type)
	}
	return normalizePage(&f.Page, &f.PageSize, defaultPageSize)
}

// Matches reports whether c passes every set filter field. Paging is ignored.
func (f *CommandFilter) Matches(c *Command) bool {
	if f.AgentID != "" && c.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.StartTime != nil && c.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && c.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}

func normalizePage(page, pageSize *int, defaultPageSize int) error {
	if *page == 0 {
		*page = 1
	}
	if *page < 1 {
		return NewValidationError("page", "must be >= 1")
	}
	if *pageSize == 0 {
		*pageSize = defaultPageSize
	}
	if *pageSize < 1 || *pageSize > MaxPageSize {
		return NewValidationError("page_size", "must be in [1,%d]", MaxPageSize)
	}
	return nil
}

// Page is a paginated listing.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// CommandStats summarizes command records and live queue depth.
type CommandStats struct {
	StatusCounts map[CommandStatus]int `json:"status_counts"`
	QueueDepths  map[string]int        `json:"queue_depths"`
	Total        int                   `json:"total"`
}

// ResultReport is what a worker submits when it finishes a command.
type ResultReport struct {
	Status       CommandStatus  `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	LeaseEpoch   *int           `json:"lease_epoch,omitempty"`
}

func (r *ResultReport) Validate() error {
	if r.Status != CommandStatusSuccess && r.Status != CommandStatusError {
		return NewValidationError("status", "must be success or error, got %q", r.Status)
	}
	return nil
}

type ProgressReport struct {
	Progress   int    `json:"progress"`
	Message    string `json:"message,omitempty"`
	LeaseEpoch *int   `json:"lease_epoch,omitempty"`
}

func (r *ProgressReport) Validate() error {
	if r.Progress < 0 || r.Progress > 100 {
		return NewValidationError("progress", "must be in [0,100], got %d", r.Progress)
	}
	return nil
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
