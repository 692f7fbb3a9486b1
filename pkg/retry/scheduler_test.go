package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func settings(jitter bool) config.RetrySettings {
	return config.RetrySettings{
		Base:        2 * time.Second,
		MaxInterval: time.Minute,
		MaxAttempts: 5,
		Jitter:      jitter,
	}
}

func TestBackoff_DoublesUpToCap(t *testing.T) {
	s := NewScheduler(store.NewMemoryRepository(), settings(false), nil)

	assert.Equal(t, 2*time.Second, s.Backoff(0))
	assert.Equal(t, 2*time.Second, s.Backoff(1))
	assert.Equal(t, 4*time.Second, s.Backoff(2))
	assert.Equal(t, 8*time.Second, s.Backoff(3))
	assert.Equal(t, 32*time.Second, s.Backoff(5))
	assert.Equal(t, time.Minute, s.Backoff(6))
	assert.Equal(t, time.Minute, s.Backoff(40))
}

func TestBackoff_EqualJitterBounds(t *testing.T) {
	s := NewScheduler(store.NewMemoryRepository(), settings(true), nil)

	s.randN = func(n int64) int64 { return 0 }
	assert.Equal(t, 4*time.Second, s.Backoff(3))

	s.randN = func(n int64) int64 { return n - 1 }
	assert.Equal(t, 8*time.Second, s.Backoff(3))

	s = NewScheduler(store.NewMemoryRepository(), settings(true), nil)
	for attempt := 1; attempt < 10; attempt++ {
		d := s.Backoff(attempt)
		full := NewScheduler(nil, settings(false), nil).Backoff(attempt)
		assert.GreaterOrEqual(t, d, full/2)
		assert.LessOrEqual(t, d, full)
	}
}

func leased(t *testing.T, repo store.OutboxRepository, at time.Time) *store.TransportRecord {
	t.Helper()
	rec, err := repo.LeaseNext(context.Background(), at)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestOnFailure_Reschedules(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.Enqueue(ctx, store.NewTransportRecord("e1", "+1", "x", 1, "d1", "p1", now)))
	s := NewScheduler(repo, settings(false), nil)

	rec := leased(t, repo, now)
	decision, err := s.OnFailure(ctx, rec, errors.New("status 500"), now)
	require.NoError(t, err)
	assert.False(t, decision.Dead)
	assert.Nil(t, decision.Ceiling)
	assert.Equal(t, 2*time.Second, decision.Delay)
	assert.Equal(t, now.Add(2*time.Second), decision.NextAttemptAt)

	stored, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, stored.State)
	assert.Equal(t, "status 500", stored.LastError)
}

func TestOnFailure_CeilingMovesToDead(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	require.NoError(t, repo.Enqueue(ctx, store.NewTransportRecord("e1", "+1", "x", 1, "d1", "p1", now)))
	s := NewScheduler(repo, settings(true), nil)

	at := now
	var previousNext time.Time
	for attempt := 1; attempt <= 5; attempt++ {
		rec := leased(t, repo, at)
		assert.Equal(t, attempt, rec.AttemptCount)

		decision, err := s.OnFailure(ctx, rec, errors.New("status 500"), at)
		require.NoError(t, err)

		if attempt < 5 {
			require.False(t, decision.Dead)
			assert.True(t, decision.NextAttemptAt.After(previousNext), "next attempt must not move backwards")
			previousNext = decision.NextAttemptAt
			at = decision.NextAttemptAt
			continue
		}

		require.True(t, decision.Dead)
		require.NotNil(t, decision.Ceiling)
		assert.Equal(t, 5, decision.Ceiling.Attempts)
		assert.EqualError(t, errors.Unwrap(decision.Ceiling), "status 500")
	}

	stored, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, store.StateDead, stored.State)
	assert.Equal(t, 5, stored.AttemptCount)

	next, err := repo.LeaseNext(ctx, at.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next, "dead records are never leased again")
}

func TestOnFailure_StaleLease(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	s := NewScheduler(repo, settings(false), nil)

	_, err := s.OnFailure(ctx, &store.TransportRecord{ID: "ghost", AttemptCount: 1}, errors.New("x"), now)
	assert.ErrorIs(t, err, store.ErrUnknownRecord)
}
