package normalizer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"github.com/zoff-tech/sms-relay/schema"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type MockRepository struct {
	store.OutboxRepository
	mock.Mock
}

func (m *MockRepository) Enqueue(ctx context.Context, rec *store.TransportRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockRepository) Get(ctx context.Context, id string) (*store.TransportRecord, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*store.TransportRecord)
	return rec, args.Error(1)
}

func pairedDevices() *config.DeviceStore {
	return config.NewDeviceStore(config.DeviceSettings{EndpointURL: "https://x.test", DeviceID: "d1", OwnerID: "p1"})
}

func ptr[T any](v T) *T { return &v }

func TestNormalize_EnqueuesPendingRecord(t *testing.T) {
	repo := store.NewMemoryRepository()
	waker := &countingWaker{}
	n := New(repo, pairedDevices(), waker, nil)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }
	n.newID = func() string { return "generated" }

	rec, err := n.Normalize(context.Background(), schema.NewRawEvent("+15551234567", "hello", 1700000000000))
	require.NoError(t, err)

	assert.Equal(t, "generated", rec.ID)
	assert.Equal(t, store.StatePending, rec.State)
	assert.Equal(t, 0, rec.AttemptCount)
	assert.Equal(t, fixed, rec.NextAttemptAt)
	assert.Equal(t, "d1", rec.DeviceID)
	assert.Equal(t, "p1", rec.OwnerID)
	assert.Equal(t, int32(1), waker.n.Load())

	stored, err := repo.Get(context.Background(), "generated")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", stored.Sender)
	assert.Equal(t, "hello", stored.Body)
	assert.Equal(t, int64(1700000000000), stored.CapturedAt)
}

func TestNormalize_GeneratesDistinctIDs(t *testing.T) {
	repo := store.NewMemoryRepository()
	n := New(repo, pairedDevices(), nil, nil)

	a, err := n.Normalize(context.Background(), schema.NewRawEvent("+1", "x", 1))
	require.NoError(t, err)
	b, err := n.Normalize(context.Background(), schema.NewRawEvent("+1", "x", 1))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestNormalize_EventIDIsIdempotent(t *testing.T) {
	repo := store.NewMemoryRepository()
	n := New(repo, pairedDevices(), nil, nil)

	raw := schema.NewRawEvent("+1", "x", 1)
	raw.EventID = "evt-7"
	_, err := n.Normalize(context.Background(), raw)
	require.NoError(t, err)
	_, err = n.Normalize(context.Background(), raw)
	require.NoError(t, err)

	records, err := repo.List(context.Background(), store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "evt-7", records[0].ID)
}

func TestNormalize_ResubmitReturnsStoredRecord(t *testing.T) {
	repo := store.NewMemoryRepository()
	n := New(repo, pairedDevices(), nil, nil)
	ctx := context.Background()

	raw := schema.NewRawEvent("+1", "first", 1)
	raw.EventID = "evt-9"
	_, err := n.Normalize(ctx, raw)
	require.NoError(t, err)

	leased, err := repo.LeaseNext(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, leased)

	raw.Body = ptr("second")
	rec, err := n.Normalize(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "evt-9", rec.ID)
	assert.Equal(t, store.StateInFlight, rec.State)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, "second", rec.Body)
}

func TestNormalize_ZeroCaptureTimestamp(t *testing.T) {
	repo := store.NewMemoryRepository()
	n := New(repo, pairedDevices(), nil, nil)

	rec, err := n.Normalize(context.Background(), schema.NewRawEvent("+1", "x", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CapturedAt)
	assert.Equal(t, store.StatePending, rec.State)
}

func TestNormalize_ReadBackFailure(t *testing.T) {
	repo := &MockRepository{}
	boom := errors.New("connection reset")
	repo.On("Enqueue", mock.Anything, mock.AnythingOfType("*store.TransportRecord")).Return(nil)
	repo.On("Get", mock.Anything, "evt-1").Return(nil, boom)
	n := New(repo, pairedDevices(), nil, nil)

	raw := schema.NewRawEvent("+1", "x", 1)
	raw.EventID = "evt-1"
	_, err := n.Normalize(context.Background(), raw)
	assert.ErrorIs(t, err, boom)
	repo.AssertExpectations(t)
}

func TestNormalize_OptionalFields(t *testing.T) {
	repo := store.NewMemoryRepository()
	n := New(repo, pairedDevices(), nil, nil)

	rec, err := n.Normalize(context.Background(), schema.RawEvent{Body: ptr("only body"), CapturedAtMillis: ptr(int64(5))})
	require.NoError(t, err)
	assert.Equal(t, "", rec.Sender)

	rec, err = n.Normalize(context.Background(), schema.RawEvent{Address: ptr(""), CapturedAtMillis: ptr(int64(5))})
	require.NoError(t, err)
	assert.Equal(t, "", rec.Body)
}

func TestNormalize_Malformed(t *testing.T) {
	cases := map[string]schema.RawEvent{
		"no timestamp":       {Address: ptr("+1"), Body: ptr("x")},
		"negative timestamp": {Address: ptr("+1"), Body: ptr("x"), CapturedAtMillis: ptr(int64(-3))},
		"no address or body": {CapturedAtMillis: ptr(int64(1))},
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			repo := store.NewMemoryRepository()
			n := New(repo, pairedDevices(), nil, nil)

			_, err := n.Normalize(context.Background(), raw)
			var malformed *MalformedEventError
			assert.ErrorAs(t, err, &malformed)

			records, _ := repo.List(context.Background(), store.ListFilter{})
			assert.Empty(t, records)
		})
	}
}

func TestNormalize_MissingDeviceIDLeavesOutboxUntouched(t *testing.T) {
	repo := &MockRepository{}
	core, logs := observer.New(zap.WarnLevel)
	devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: "https://x.test", OwnerID: "p1"})
	waker := &countingWaker{}
	n := New(repo, devices, waker, zap.New(core))

	_, err := n.Normalize(context.Background(), schema.NewRawEvent("+1", "x", 1))

	var missing *ConfigurationMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"device_id"}, missing.Missing)
	repo.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
	assert.Zero(t, waker.n.Load())
	assert.Equal(t, 1, logs.FilterMessage("configuration missing, event not enqueued").Len())
}

func TestNormalize_EnqueueFailure(t *testing.T) {
	repo := &MockRepository{}
	boom := errors.New("disk full")
	repo.On("Enqueue", mock.Anything, mock.AnythingOfType("*store.TransportRecord")).Return(boom)
	waker := &countingWaker{}
	n := New(repo, pairedDevices(), waker, nil)

	_, err := n.Normalize(context.Background(), schema.NewRawEvent("+1", "x", 1))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, waker.n.Load(), "workers are only woken after a commit")
	repo.AssertExpectations(t)
}
