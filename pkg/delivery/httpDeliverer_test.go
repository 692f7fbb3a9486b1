package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
)

func testSettings() config.DeliverySettings {
	return config.DeliverySettings{
		Workers:        3,
		ConnectTimeout: time.Second,
		TotalTimeout:   2 * time.Second,
	}
}

func testRecord() *store.TransportRecord {
	return store.NewTransportRecord("rec-1", "+15551234567", "hello", 1700000000000, "d1", "p1", time.Now())
}

type recordingTransport struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	status   int
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	rt.mu.Lock()
	rt.requests = append(rt.requests, req)
	rt.bodies = append(rt.bodies, string(body))
	rt.mu.Unlock()
	return &http.Response{
		StatusCode: rt.status,
		Body:       io.NopCloser(strings.NewReader(`{"ok":true}`)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func TestDeliver_WireContract(t *testing.T) {
	devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: "https://x.test", DeviceID: "d1", OwnerID: "p1"})
	d := NewHTTPDeliverer(testSettings(), devices)
	rt := &recordingTransport{status: http.StatusOK}
	d.client.Transport = rt

	result, err := d.Deliver(context.Background(), testRecord())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	require.Len(t, rt.requests, 1)
	req := rt.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "https://x.test/sms/forward", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "application/json", req.Header.Get("Accept"))
	assert.Equal(t, "rec-1", req.Header.Get("Idempotency-Key"))
	assert.Equal(t,
		`{"sender":"+15551234567","body":"hello","timestamp":1700000000000,"deviceId":"d1","parentId":"p1","type":"sms_received"}`,
		rt.bodies[0])
}

func TestDeliver_EndpointReadAtCallTime(t *testing.T) {
	devices := config.NewDeviceStore(config.DeviceSettings{DeviceID: "d1", OwnerID: "p1"})
	d := NewHTTPDeliverer(testSettings(), devices)
	rt := &recordingTransport{status: http.StatusAccepted}
	d.client.Transport = rt

	_, err := d.Deliver(context.Background(), testRecord())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, KindConfig, transportErr.Kind)
	assert.ErrorIs(t, err, ErrEndpointNotConfigured)
	assert.Empty(t, rt.requests)

	devices.Update(config.DeviceSettings{EndpointURL: "https://y.test/", DeviceID: "d1", OwnerID: "p1"})

	_, err = d.Deliver(context.Background(), testRecord())
	require.NoError(t, err)
	require.Len(t, rt.requests, 1)
	assert.Equal(t, "https://y.test/sms/forward", rt.requests[0].URL.String())
}

func TestDeliver_NonSuccessIsRejected(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError, http.StatusMovedPermanently} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(status)
		}))

		devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: srv.URL, DeviceID: "d1", OwnerID: "p1"})
		d := NewHTTPDeliverer(testSettings(), devices)
		d.client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

		result, err := d.Deliver(context.Background(), testRecord())
		srv.Close()

		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected, "status %d", status)
		assert.Equal(t, status, rejected.StatusCode)
		assert.Equal(t, status, result.StatusCode)
		assert.Equal(t, KindRejected, ErrorKind(err))
		assert.Equal(t, status, StatusCode(err))
	}
}

func TestDeliver_TotalTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	settings := testSettings()
	settings.TotalTimeout = 50 * time.Millisecond
	devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: srv.URL, DeviceID: "d1", OwnerID: "p1"})
	d := NewHTTPDeliverer(settings, devices)

	_, err := d.Deliver(context.Background(), testRecord())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, KindTimeout, transportErr.Kind)
}

func TestDeliver_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: url, DeviceID: "d1", OwnerID: "p1"})
	d := NewHTTPDeliverer(testSettings(), devices)

	_, err := d.Deliver(context.Background(), testRecord())
	assert.Equal(t, KindNetwork, ErrorKind(err))
	assert.Zero(t, StatusCode(err))
}

func TestDeliver_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	devices := config.NewDeviceStore(config.DeviceSettings{EndpointURL: srv.URL, DeviceID: "d1", OwnerID: "p1"})
	d := NewHTTPDeliverer(testSettings(), devices)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := d.Deliver(ctx, testRecord())
	assert.Equal(t, KindCanceled, ErrorKind(err))
}
