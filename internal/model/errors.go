package model

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrWorkerTimeout     = errors.New("worker timeout")
	// ErrConflict is returned by stores when a compare-and-set lost a race.
	ErrConflict = errors.New("concurrent modification")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransitionError is a guard rejection. Reason is what callers see.
type TransitionError struct {
	ID     string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.ID == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type QueueUnavailableError struct {
	AgentID string
	Err     error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("queue unavailable for agent %s: %v", e.AgentID, e.Err)
}

func (e *QueueUnavailableError) Unwrap() []error { return []error{ErrQueueUnavailable, e.Err} }

// WorkerTimeoutError is produced by the timeout monitor when a command's
// retry budget runs out. Its message becomes the command's error_message.
type WorkerTimeoutError struct {
	CommandID  string
	TimeoutSec int
}

func (e *WorkerTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %d seconds (max retries reached)", e.TimeoutSec)
}

func (e *WorkerTimeoutError) Unwrap() error { return ErrWorkerTimeout }

// Error codes shared by the HTTP API and the admin socket.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeQueueUnavailable  = "QUEUE_UNAVAILABLE"
	CodeConflict          = "CONFLICT"
	CodeInternal          = "INTERNAL_ERROR"
)

// ErrorCode classifies err into one of the Code* values.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrQueueUnavailable):
		return CodeQueueUnavailable
	case errors.Is(err, ErrConflict):
		return CodeConflict
	default:
		return CodeInternal
	}
}

// ErrorMessage is the client-facing text for err. Guard rejections report
// only their reason.
func ErrorMessage(err error) string {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}
