package processor

import (
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

const meterName = "sms-relay"

type processorMetrics struct {
	deliveries metric.Int64Counter
	latency    metric.Float64Histogram
	reaped     metric.Int64Counter
	released   metric.Int64Counter
}

func newProcessorMetrics(provider metric.MeterProvider) (*processorMetrics, error) {
	meter := provider.Meter(meterName)
	m := &processorMetrics{}

	var err, e error
	m.deliveries, e = meter.Int64Counter("relay.deliveries",
		metric.WithDescription("Delivery attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	err = multierr.Append(err, e)

	m.latency, e = meter.Float64Histogram("relay.delivery.latency",
		metric.WithDescription("Duration of the HTTP call to the owner's endpoint"),
		metric.WithUnit("s"),
	)
	err = multierr.Append(err, e)

	m.reaped, e = meter.Int64Counter("relay.records.reaped",
		metric.WithDescription("Finished records deleted after their retention window"),
		metric.WithUnit("{record}"),
	)
	err = multierr.Append(err, e)

	m.released, e = meter.Int64Counter("relay.leases.released",
		metric.WithDescription("Expired leases returned to PENDING"),
		metric.WithUnit("{record}"),
	)
	err = multierr.Append(err, e)

	return m, err
}
