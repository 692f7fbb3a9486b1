package store

import (
	"context"
	"time"
)

// RetentionPolicy controls how long finished records are kept.
type RetentionPolicy struct {
	// DeliveredGrace keeps delivered records around for the receiver's dedup window.
	DeliveredGrace time.Duration
	// DeadRetention keeps dead records available for operator inspection.
	DeadRetention time.Duration
}

// ListFilter narrows List results. A zero State lists every state.
type ListFilter struct {
	State State
	Limit int
}

const defaultListLimit = 100

func (f ListFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// OutboxRepository is the durable, ordered store of transport records.
// Every method returns only after the change has been committed by the backend.
type OutboxRepository interface {
	// Enqueue inserts rec, or updates the payload of an existing record with the same ID
	// while leaving its delivery state untouched.
	Enqueue(ctx context.Context, rec *TransportRecord) error
	// LeaseNext claims the first PENDING record due at now, moving it to IN_FLIGHT and
	// counting the attempt. It returns nil when nothing is due.
	LeaseNext(ctx context.Context, now time.Time) (*TransportRecord, error)
	// MarkDelivered finishes a leased record.
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed returns a leased record to PENDING, due again at nextAttemptAt.
	MarkFailed(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error
	// MarkDead abandons a leased record.
	MarkDead(ctx context.Context, id string, at time.Time, lastErr string) error
	// ReapExpired deletes finished records that outlived the retention policy.
	ReapExpired(ctx context.Context, now time.Time, policy RetentionPolicy) (int64, error)
	// RecoverInFlight resets every IN_FLIGHT record to PENDING. Called once at startup.
	RecoverInFlight(ctx context.Context) (int64, error)
	// ReleaseExpiredLeases resets IN_FLIGHT records leased at or before leasedBefore.
	ReleaseExpiredLeases(ctx context.Context, leasedBefore time.Time) (int64, error)
	// Get returns one record.
	Get(ctx context.Context, id string) (*TransportRecord, error)
	// List returns records in dequeue order.
	List(ctx context.Context, filter ListFilter) ([]TransportRecord, error)
	// Close releases the backend connection.
	Close() error
}
