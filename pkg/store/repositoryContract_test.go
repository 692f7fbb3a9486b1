package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractBase = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// runRepositoryContract checks the behaviour every OutboxRepository must share.
// Cases named in skip are reported as skipped.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) OutboxRepository, skip ...string) {
	ctx := context.Background()

	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}
	run := func(name string, fn func(t *testing.T)) {
		t.Run(name, func(t *testing.T) {
			if skipped[name] {
				t.Skip("not supported by this backend")
			}
			fn(t)
		})
	}

	run("leases in next attempt then capture order", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("a", "+1", "a", 3, "d1", "p1", contractBase)))
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("b", "+1", "b", 1, "d1", "p1", contractBase)))
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("c", "+1", "c", 2, "d1", "p1", contractBase.Add(time.Hour))))

		first, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "b", first.ID)
		assert.Equal(t, StateInFlight, first.State)
		assert.Equal(t, 1, first.AttemptCount)

		second, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, "a", second.ID)

		none, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)
		assert.Nil(t, none, "c is not due yet")
	})

	run("enqueue of a known id keeps delivery state", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("e1", "+1", "old", 1, "d1", "p1", contractBase)))
		_, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)

		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("e1", "+1", "new", 1, "d1", "p1", contractBase.Add(time.Minute))))

		rec, err := repo.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "new", rec.Body)
		assert.Equal(t, StateInFlight, rec.State)
		assert.Equal(t, 1, rec.AttemptCount)
	})

	run("failed record waits for its next attempt", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("e1", "+1", "x", 1, "d1", "p1", contractBase)))
		_, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)

		next := contractBase.Add(4 * time.Second)
		require.NoError(t, repo.MarkFailed(ctx, "e1", next, "status 500"))

		rec, err := repo.Get(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, StatePending, rec.State)
		assert.Equal(t, "status 500", rec.LastError)
		assert.Nil(t, rec.LeasedAt)
		assert.True(t, next.Equal(rec.NextAttemptAt))

		early, err := repo.LeaseNext(ctx, next.Add(-time.Millisecond))
		require.NoError(t, err)
		assert.Nil(t, early)

		again, err := repo.LeaseNext(ctx, next)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.AttemptCount)
	})

	run("terminal transitions", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("ok", "+1", "x", 1, "d1", "p1", contractBase)))
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("bad", "+1", "x", 2, "d1", "p1", contractBase)))
		_, err := repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)
		_, err = repo.LeaseNext(ctx, contractBase)
		require.NoError(t, err)

		require.NoError(t, repo.MarkDelivered(ctx, "ok", contractBase.Add(time.Second)))
		require.NoError(t, repo.MarkDead(ctx, "bad", contractBase.Add(time.Second), "status 500"))

		ok, err := repo.Get(ctx, "ok")
		require.NoError(t, err)
		assert.Equal(t, StateDelivered, ok.State)
		require.NotNil(t, ok.FinishedAt)

		bad, err := repo.Get(ctx, "bad")
		require.NoError(t, err)
		assert.Equal(t, StateDead, bad.State)
		assert.Equal(t, "status 500", bad.LastError)

		err = repo.MarkFailed(ctx, "ok", contractBase, "late")
		var unknown *UnknownRecordError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, StateDelivered, unknown.State)
	})

	run("transitions on unknown ids", func(t *testing.T) {
		repo := newRepo(t)
		assert.ErrorIs(t, repo.MarkDelivered(ctx, "nope", contractBase), ErrUnknownRecord)
		assert.ErrorIs(t, repo.MarkFailed(ctx, "nope", contractBase, "x"), ErrUnknownRecord)
		assert.ErrorIs(t, repo.MarkDead(ctx, "nope", contractBase, "x"), ErrUnknownRecord)

		_, err := repo.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrUnknownRecord)

		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("p", "+1", "x", 1, "d1", "p1", contractBase)))
		err = repo.MarkDelivered(ctx, "p", contractBase)
		var unknown *UnknownRecordError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, StatePending, unknown.State)
	})

	run("reaps by retention policy", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("ok", "+1", "x", 1, "d1", "p1", contractBase)))
		require.NoError(t, repo.Enqueue(ctx, NewTransportRecord("bad", "+1", "x", 2, "d1", "p1", contractBase)))
		_, _ = repo.LeaseNext(ctx, contractBase)
		_, _ = repo.LeaseNext(ctx, contractBase)
		require.NoError(t, repo.MarkDelivered(ctx, "ok", contractBase))
		require.NoError(t, repo.MarkDead(ctx, "bad", contractBase, "x"))

		policy := RetentionPolicy{DeliveredGrace: time.Hour, DeadRetention: 48 * time.Hour}
		n, err := repo.ReapExpired(ctx, contractBase.Add(2*time.Hour), policy)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = repo.Get(ctx, "ok")
		assert.ErrorIs(t, err, ErrUnknownRecord)
		_, err = repo.Get(ctx, "bad")
		assert.NoError(t, err)
	})

	run("recovers and releases leases", func(t *testing.T) {
		repo := newRepo(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.Enqueue(ctx, NewTransportRecord(fmt.Sprintf("e%d", i), "+1", "x", int64(i+1), "d1", "p1", contractBase)))
		}
		_, _ = repo.LeaseNext(ctx, contractBase)
		_, _ = repo.LeaseNext(ctx, contractBase.Add(time.Minute))

		released, err := repo.ReleaseExpiredLeases(ctx, contractBase.Add(30*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(1), released)

		recovered, err := repo.RecoverInFlight(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), recovered)

		pending, err := repo.List(ctx, ListFilter{State: StatePending})
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "e0", pending[0].ID)
		assert.Equal(t, 1, pending[0].AttemptCount, "a released lease keeps its attempt count")

		limited, err := repo.List(ctx, ListFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	run("concurrent leases never share a record", func(t *testing.T) {
		repo := newRepo(t)
		const total = 40
		for i := 0; i < total; i++ {
			require.NoError(t, repo.Enqueue(ctx, NewTransportRecord(fmt.Sprintf("e%02d", i), "+1", "x", int64(i+1), "d1", "p1", contractBase)))
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					rec, err := repo.LeaseNext(ctx, contractBase)
					if !assert.NoError(t, err) || rec == nil {
						return
					}
					mu.Lock()
					seen[rec.ID]++
					mu.Unlock()
					assert.NoError(t, repo.MarkDelivered(ctx, rec.ID, contractBase))
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "record %s leased more than once", id)
		}
	})
}
