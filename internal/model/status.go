package model

import "fmt"

type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusExecuting CommandStatus = "executing"
	CommandStatusSuccess   CommandStatus = "success"
	CommandStatusError     CommandStatus = "error"
	CommandStatusTimeout   CommandStatus = "timeout"
	CommandStatusCancelled CommandStatus = "cancelled"
)

type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

var AllCommandStatuses = []CommandStatus{
	CommandStatusPending,
	CommandStatusExecuting,
	CommandStatusSuccess,
	CommandStatusError,
	CommandStatusTimeout,
	CommandStatusCancelled,
}

var terminalCommandStatuses = map[CommandStatus]bool{
	CommandStatusSuccess:   true,
	CommandStatusError:     true,
	CommandStatusTimeout:   true,
	CommandStatusCancelled: true,
}

// error and timeout stay terminal unless an explicit retry reopens them.
var retryableCommandStatuses = map[CommandStatus]bool{
	CommandStatusError:   true,
	CommandStatusTimeout: true,
}

var terminalExecutionStatuses = map[ExecutionStatus]bool{
	ExecutionStatusCompleted: true,
	ExecutionStatusFailed:    true,
	ExecutionStatusCancelled: true,
}

// Command transitions: pending ↔ executing → terminal.
// pending → pending and executing → pending are the deadline requeue path.
var validCommandTransitions = map[CommandStatus]map[CommandStatus]bool{
	CommandStatusPending: {
		CommandStatusPending:   true,
		CommandStatusExecuting: true,
		CommandStatusTimeout:   true,
		CommandStatusCancelled: true,
	},
	CommandStatusExecuting: {
		CommandStatusExecuting: true, // progress
		CommandStatusPending:   true,
		CommandStatusSuccess:   true,
		CommandStatusError:     true,
		CommandStatusTimeout:   true,
		CommandStatusCancelled: true,
	},
}

var validExecutionTransitions = map[ExecutionStatus]map[ExecutionStatus]bool{
	ExecutionStatusPending: {
		ExecutionStatusRunning:   true,
		ExecutionStatusFailed:    true,
		ExecutionStatusCancelled: true,
	},
	ExecutionStatusRunning: {
		ExecutionStatusCompleted: true,
		ExecutionStatusFailed:    true,
		ExecutionStatusCancelled: true,
	},
}

func IsCommandTerminal(s CommandStatus) bool {
	return terminalCommandStatuses[s]
}

func IsCommandRetryable(s CommandStatus) bool {
	return retryableCommandStatuses[s]
}

func IsExecutionTerminal(s ExecutionStatus) bool {
	return terminalExecutionStatuses[s]
}

func ValidCommandStatus(s CommandStatus) bool {
	_, active := validCommandTransitions[s]
	return active || terminalCommandStatuses[s]
}

func ValidExecutionStatus(s ExecutionStatus) bool {
	_, active := validExecutionTransitions[s]
	return active || terminalExecutionStatuses[s]
}

// ValidateCommandTransition checks a status move that is not a retry.
// Retries out of error/timeout go through ValidateCommandRetry.
func ValidateCommandTransition(from, to CommandStatus) error {
	if IsCommandTerminal(from) {
		return &TransitionError{From: string(from), To: string(to), Reason: "already in terminal state: " + string(from)}
	}
	allowed, ok := validCommandTransitions[from]
	if !ok {
		return &TransitionError{From: string(from), To: string(to), Reason: "unknown status " + string(from)}
	}
	if !allowed[to] {
		return &TransitionError{From: string(from), To: string(to), Reason: "invalid command transition: " + string(from) + " → " + string(to)}
	}
	return nil
}

// ValidateCommandRetry checks the explicit error|timeout → pending move.
func ValidateCommandRetry(from CommandStatus, retryCount, maxRetries int) error {
	if !IsCommandRetryable(from) {
		if IsCommandTerminal(from) {
			return &TransitionError{From: string(from), To: string(CommandStatusPending), Reason: "already in terminal state: " + string(from)}
		}
		return &TransitionError{From: string(from), To: string(CommandStatusPending), Reason: "only error or timeout commands can be retried, status is " + string(from)}
	}
	if retryCount >= maxRetries {
		return &TransitionError{
			From:   string(from),
			To:     string(CommandStatusPending),
			Reason: fmt.Sprintf("retry budget exhausted (%d/%d)", retryCount, maxRetries),
		}
	}
	return nil
}

func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if IsExecutionTerminal(from) {
		return &TransitionError{From: string(from), To: string(to), Reason: "already in terminal state: " + string(from)}
	}
	allowed, ok := validExecutionTransitions[from]
	if !ok {
		return &TransitionError{From: string(from), To: string(to), Reason: "unknown status " + string(from)}
	}
	if !allowed[to] {
		return &TransitionError{From: string(from), To: string(to), Reason: "invalid execution transition: " + string(from) + " → " + string(to)}
	}
	return nil
}
