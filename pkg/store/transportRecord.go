package store

import (
	"fmt"
	"time"
)

// State is the delivery lifecycle state of a TransportRecord.
type State string

const (
	StatePending   State = "PENDING"
	StateInFlight  State = "IN_FLIGHT"
	StateDelivered State = "DELIVERED"
	StateDead      State = "DEAD"
)

// ParseState validates and converts a raw string state.
func ParseState(raw string) (State, error) {
	state := State(raw)
	if !state.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStateInvalid, raw)
	}
	return state, nil
}

// IsValid reports whether the state is part of the lifecycle.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateInFlight, StateDelivered, StateDead:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// IN_FLIGHT -> PENDING covers both a scheduled retry and a reclaimed lease.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateInFlight
	case StateInFlight:
		return next == StatePending || next == StateDelivered || next == StateDead
	default:
		return false
	}
}

// Terminal reports whether no further delivery attempt will be made.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDead
}

func (s State) String() string {
	return string(s)
}

// TransportRecord is one captured message awaiting or undergoing delivery.
type TransportRecord struct {
	ID            string     `json:"id" bson:"_id"`
	Sender        string     `json:"sender" bson:"sender"`
	Body          string     `json:"body" bson:"body"`
	CapturedAt    int64      `json:"capturedAt" bson:"captured_at"` // epoch ms reported by the device
	DeviceID      string     `json:"deviceId" bson:"device_id"`
	OwnerID       string     `json:"ownerId" bson:"owner_id"`
	AttemptCount  int        `json:"attemptCount" bson:"attempt_count"`
	NextAttemptAt time.Time  `json:"nextAttemptAt" bson:"next_attempt_at"`
	State         State      `json:"state" bson:"state"`
	LeasedAt      *time.Time `json:"leasedAt,omitempty" bson:"leased_at,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty" bson:"finished_at,omitempty"`
	LastError     string     `json:"lastError,omitempty" bson:"last_error"`
	CreatedAt     time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updatedAt" bson:"updated_at"`
}

// NewTransportRecord creates a pending record that is eligible for delivery at now.
func NewTransportRecord(id, sender, body string, capturedAt int64, deviceID, ownerID string, now time.Time) *TransportRecord {
	now = now.UTC()
	return &TransportRecord{
		ID:            id,
		Sender:        sender,
		Body:          body,
		CapturedAt:    capturedAt,
		DeviceID:      deviceID,
		OwnerID:       ownerID,
		AttemptCount:  0,
		NextAttemptAt: now,
		State:         StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy.
func (r *TransportRecord) Clone() *TransportRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LeasedAt != nil {
		t := *r.LeasedAt
		c.LeasedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// DequeuesBefore reports whether r is ahead of other in the outbox order:
// earliest NextAttemptAt first, then oldest CapturedAt, then ID for stability.
func (r *TransportRecord) DequeuesBefore(other *TransportRecord) bool {
	if !r.NextAttemptAt.Equal(other.NextAttemptAt) {
		return r.NextAttemptAt.Before(other.NextAttemptAt)
	}
	if r.CapturedAt != other.CapturedAt {
		return r.CapturedAt < other.CapturedAt
	}
	return r.ID < other.ID
}
