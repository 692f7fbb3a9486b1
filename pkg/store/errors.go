package store

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRecord            = errors.New("unknown outbox record")
	ErrRecordRequired           = errors.New("outbox record is required")
	ErrRecordIDRequired         = errors.New("outbox record id is required")
	ErrStateInvalid             = errors.New("invalid outbox record state")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
)

// UnknownRecordError is returned when a transition targets a record that does not
// exist or that is not leased. State is empty when the record is absent.
type UnknownRecordError struct {
	ID    string
	State State
}

func (e *UnknownRecordError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("outbox record %q not found", e.ID)
	}
	return fmt.Sprintf("outbox record %q is %s, not %s", e.ID, e.State, StateInFlight)
}

func (e *UnknownRecordError) Unwrap() error {
	return ErrUnknownRecord
}
