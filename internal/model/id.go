package model

import "github.com/google/uuid"

// NewID returns a random (v4) UUID string for commands and executions.
func NewID() string {
	return uuid.NewString()
}

// ValidateID rejects ids that cannot name a record of kind. A malformed id
// is reported as not found, the same as a well-formed unknown one.
func ValidateID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return nil
}
