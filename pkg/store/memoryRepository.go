package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps records in process memory. It is not durable and is
// meant for tests and local development.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*TransportRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*TransportRecord)}
}

func (m *MemoryRepository) Enqueue(_ context.Context, rec *TransportRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.ID]; ok {
		existing.Sender = rec.Sender
		existing.Body = rec.Body
		existing.CapturedAt = rec.CapturedAt
		existing.DeviceID = rec.DeviceID
		existing.OwnerID = rec.OwnerID
		existing.UpdatedAt = rec.UpdatedAt
		return nil
	}
	stored := rec.Clone()
	stored.State = StatePending
	m.records[rec.ID] = stored
	return nil
}

func (m *MemoryRepository) LeaseNext(_ context.Context, now time.Time) (*TransportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *TransportRecord
	for _, rec := range m.records {
		if rec.State != StatePending || rec.NextAttemptAt.After(now) {
			continue
		}
		if next == nil || rec.DequeuesBefore(next) {
			next = rec
		}
	}
	if next == nil {
		return nil, nil
	}
	next.State = StateInFlight
	next.AttemptCount++
	next.LeasedAt = timePtr(now)
	next.UpdatedAt = now.UTC()
	return next.Clone(), nil
}

func (m *MemoryRepository) MarkDelivered(_ context.Context, id string, at time.Time) error {
	return m.finishLease(id, func(rec *TransportRecord) {
		rec.State = StateDelivered
		rec.FinishedAt = timePtr(at)
		rec.LastError = ""
		rec.UpdatedAt = at.UTC()
	})
}

func (m *MemoryRepository) MarkFailed(_ context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	return m.finishLease(id, func(rec *TransportRecord) {
		rec.State = StatePending
		rec.NextAttemptAt = nextAttemptAt.UTC()
		rec.LastError = lastErr
		rec.UpdatedAt = time.Now().UTC()
	})
}

func (m *MemoryRepository) MarkDead(_ context.Context, id string, at time.Time, lastErr string) error {
	return m.finishLease(id, func(rec *TransportRecord) {
		rec.State = StateDead
		rec.FinishedAt = timePtr(at)
		rec.LastError = lastErr
		rec.UpdatedAt = at.UTC()
	})
}

func (m *MemoryRepository) finishLease(id string, apply func(rec *TransportRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return &UnknownRecordError{ID: id}
	}
	if rec.State != StateInFlight {
		return &UnknownRecordError{ID: id, State: rec.State}
	}
	apply(rec)
	rec.LeasedAt = nil
	return nil
}

func (m *MemoryRepository) ReapExpired(_ context.Context, now time.Time, policy RetentionPolicy) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deliveredBefore := now.Add(-policy.DeliveredGrace)
	deadBefore := now.Add(-policy.DeadRetention)

	var reaped int64
	for id, rec := range m.records {
		if rec.FinishedAt == nil {
			continue
		}
		if (rec.State == StateDelivered && !rec.FinishedAt.After(deliveredBefore)) ||
			(rec.State == StateDead && !rec.FinishedAt.After(deadBefore)) {
			delete(m.records, id)
			reaped++
		}
	}
	return reaped, nil
}

func (m *MemoryRepository) RecoverInFlight(_ context.Context) (int64, error) {
	return m.releaseLeases(func(*TransportRecord) bool { return true }), nil
}

func (m *MemoryRepository) ReleaseExpiredLeases(_ context.Context, leasedBefore time.Time) (int64, error) {
	return m.releaseLeases(func(rec *TransportRecord) bool {
		return rec.LeasedAt != nil && !rec.LeasedAt.After(leasedBefore)
	}), nil
}

func (m *MemoryRepository) releaseLeases(match func(*TransportRecord) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released int64
	for _, rec := range m.records {
		if rec.State != StateInFlight || !match(rec) {
			continue
		}
		rec.State = StatePending
		rec.LeasedAt = nil
		rec.UpdatedAt = time.Now().UTC()
		released++
	}
	return released
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*TransportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, &UnknownRecordError{ID: id}
	}
	return rec.Clone(), nil
}

func (m *MemoryRepository) List(_ context.Context, filter ListFilter) ([]TransportRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]TransportRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		records = append(records, *rec.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].DequeuesBefore(&records[j])
	})
	if limit := filter.limit(); len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}
