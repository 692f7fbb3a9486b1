package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/zoff-tech/sms-relay/pkg/delivery"
	"github.com/zoff-tech/sms-relay/pkg/store"
)

func TestSweepOnce_ReleasesExpiredLeasesAndReaps(t *testing.T) {
	h := newHarness(t, deliverFunc(func(context.Context, *store.TransportRecord) (delivery.Result, error) {
		return delivery.Result{StatusCode: 200}, nil
	}), 5, nil)
	ctx := context.Background()

	h.enqueue(t, "done", 1)
	h.drain(t)
	h.enqueue(t, "stuck", 2)

	// a worker leased the record and went silent
	leased, err := h.repo.LeaseNext(ctx, h.clock.Now())
	require.NoError(t, err)
	require.Equal(t, "stuck", leased.ID)

	// within the lease timeout nothing is released
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.proc.SweepOnce(ctx))
	assert.Equal(t, store.StateInFlight, h.get(t, "stuck").State)

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.proc.SweepOnce(ctx))

	assert.Equal(t, store.StatePending, h.get(t, "stuck").State)
	_, err = h.repo.Get(ctx, "done")
	assert.ErrorIs(t, err, store.ErrUnknownRecord, "delivered record is reaped after the grace window")

	// workers were woken
	select {
	case <-h.proc.wake:
	default:
		t.Fatal("sweep did not wake workers")
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(ctx, &rm))
	assert.Equal(t, int64(1), counterTotal(t, rm, "relay.leases.released"))
	assert.Equal(t, int64(1), counterTotal(t, rm, "relay.records.reaped"))

	h.drain(t)
	rec := h.get(t, "stuck")
	assert.Equal(t, store.StateDelivered, rec.State)
	assert.Equal(t, 2, rec.AttemptCount)
}

func counterTotal(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}
