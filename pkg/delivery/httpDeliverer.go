// Package delivery performs the HTTP call that forwards a record to the owner's endpoint.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"github.com/zoff-tech/sms-relay/schema"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// responseDrainLimit caps how much of an ignored response body is read so the
// connection can be reused.
const responseDrainLimit = 64 << 10

// Deliverer forwards one record. A nil error means the endpoint answered 2xx.
type Deliverer interface {
	Deliver(ctx context.Context, rec *store.TransportRecord) (Result, error)
}

// Result describes an attempt that reached the endpoint.
type Result struct {
	StatusCode int
	Duration   time.Duration
}

type HTTPDeliverer struct {
	client  *http.Client
	devices *config.DeviceStore
}

func NewHTTPDeliverer(settings config.DeliverySettings, devices *config.DeviceStore) *HTTPDeliverer {
	dialer := &net.Dialer{Timeout: settings.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   settings.ConnectTimeout,
		MaxIdleConnsPerHost:   settings.Workers,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &HTTPDeliverer{
		client: &http.Client{
			Timeout:   settings.TotalTimeout,
			Transport: otelhttp.NewTransport(transport),
		},
		devices: devices,
	}
}

// Deliver POSTs rec to {endpoint}/sms/forward. The endpoint is read from the
// device store at call time so that a re-paired owner receives pending records.
func (d *HTTPDeliverer) Deliver(ctx context.Context, rec *store.TransportRecord) (Result, error) {
	endpoint := d.devices.Snapshot().EndpointBaseURL
	if endpoint == "" {
		return Result{}, &TransportError{Kind: KindConfig, Err: ErrEndpointNotConfigured}
	}

	payload, err := json.Marshal(NewForwardRequest(rec))
	if err != nil {
		return Result{}, &TransportError{Kind: KindEncode, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+schema.ForwardPath, bytes.NewReader(payload))
	if err != nil {
		return Result{}, &TransportError{Kind: KindConfig, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)

	started := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{Duration: time.Since(started)}, &TransportError{Kind: classify(ctx, err), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseDrainLimit))

	result := Result{StatusCode: resp.StatusCode, Duration: time.Since(started)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return result, &RejectedError{StatusCode: resp.StatusCode}
	}
	return result, nil
}

// NewForwardRequest maps a record onto the wire body.
func NewForwardRequest(rec *store.TransportRecord) schema.ForwardRequest {
	return schema.ForwardRequest{
		Sender:    rec.Sender,
		Body:      rec.Body,
		Timestamp: rec.CapturedAt,
		DeviceID:  rec.DeviceID,
		ParentID:  rec.OwnerID,
		Type:      schema.ForwardEventType,
	}
}

func classify(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
