// Package processor runs the delivery worker pool and the outbox sweeper.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/sms-relay/pkg/broker"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/delivery"
	"github.com/zoff-tech/sms-relay/pkg/retry"
	"github.com/zoff-tech/sms-relay/pkg/store"
)

var ErrAlreadyRunning = errors.New("delivery processor already running")

// Option customizes a DeliveryProcessor.
type Option func(*DeliveryProcessor)

// WithMeterProvider records metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *DeliveryProcessor) { p.meterProvider = mp }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *DeliveryProcessor) { p.now = now }
}

// DeliveryProcessor leases records from the outbox and forwards them. It never
// retries inline: every failure goes through the retry scheduler.
type DeliveryProcessor struct {
	repo      store.OutboxRepository
	deliverer delivery.Deliverer
	scheduler *retry.Scheduler
	outcomes  broker.OutcomeSink
	settings  config.DeliverySettings
	outbox    config.OutboxSettings
	logger    *zap.Logger
	tracer    trace.Tracer
	limiter   *rate.Limiter
	metrics   *processorMetrics
	wake      chan struct{}
	running   atomic.Bool
	now       func() time.Time

	meterProvider metric.MeterProvider
}

// NewDeliveryProcessor creates a new instance of DeliveryProcessor. outcomes may be nil.
func NewDeliveryProcessor(
	repo store.OutboxRepository,
	deliverer delivery.Deliverer,
	scheduler *retry.Scheduler,
	outcomes broker.OutcomeSink,
	settings config.DeliverySettings,
	outbox config.OutboxSettings,
	logger *zap.Logger,
	opts ...Option,
) (*DeliveryProcessor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Workers < 1 {
		settings.Workers = 1
	}

	p := &DeliveryProcessor{
		repo:      repo,
		deliverer: deliverer,
		scheduler: scheduler,
		outcomes:  outcomes,
		settings:  settings,
		outbox:    outbox,
		logger:    logger.Named("processor"),
		tracer:    otel.Tracer("sms-relay"),
		wake:      make(chan struct{}, settings.Workers),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.meterProvider == nil {
		p.meterProvider = otel.GetMeterProvider()
	}

	limit := rate.Inf
	if settings.RateLimit > 0 {
		limit = rate.Limit(settings.RateLimit)
	}
	p.limiter = rate.NewLimiter(limit, settings.Workers)

	m, err := newProcessorMetrics(p.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	p.metrics = m
	return p, nil
}

// Wake nudges one idle worker. It never blocks.
func (p *DeliveryProcessor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *DeliveryProcessor) wakeAll() {
	for range p.settings.Workers {
		p.Wake()
	}
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled and
// every in-flight delivery has finished or exceeded the shutdown grace.
func (p *DeliveryProcessor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	p.logger.Info("delivery processor started",
		zap.Int("workers", p.settings.Workers),
		zap.Float64("rate_limit", p.settings.RateLimit),
	)

	wg := conc.NewWaitGroup()
	for i := range p.settings.Workers {
		wg.Go(func() { p.work(ctx, i) })
	}
	wg.Go(func() { p.sweep(ctx) })
	wg.Wait()

	p.logger.Info("delivery processor stopped")
	return nil
}

func (p *DeliveryProcessor) work(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		var processed bool
		var err error
		var catcher panics.Catcher
		catcher.Try(func() { processed, err = p.processNext(ctx) })
		if r := catcher.Recovered(); r != nil {
			// the lease, if any, is reclaimed by the sweeper
			logger.Error("delivery iteration panicked", zap.Error(r.AsError()))
			continue
		}
		if err != nil {
			logger.Warn("delivery iteration failed", zap.Error(err))
		}
		if processed {
			continue
		}

		idle := time.NewTimer(p.settings.PollInterval)
		select {
		case <-ctx.Done():
			idle.Stop()
			return
		case <-p.wake:
		case <-idle.C:
		}
		idle.Stop()
	}
}

// processNext runs one lease, deliver, report cycle. It reports false when
// nothing was due.
func (p *DeliveryProcessor) processNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	rec, err := p.repo.LeaseNext(ctx, p.now())
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	dctx, done := p.graceContext(ctx)
	defer done()

	dctx, span := p.tracer.Start(dctx, "DeliverRecord", trace.WithAttributes(
		attribute.String("record.id", rec.ID),
		attribute.Int("record.attempt", rec.AttemptCount),
		attribute.Int64("record.captured_at", rec.CapturedAt),
	))
	defer span.End()

	result, cause := p.deliver(dctx, rec)
	if cause == nil {
		err = p.onDelivered(dctx, rec, result)
	} else {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
		err = p.onFailed(dctx, rec, result, cause)
	}
	if err != nil {
		span.RecordError(err)
		return true, err
	}
	return true, nil
}

// graceContext detaches delivery from ctx so that a shutdown lets the current
// attempt run for up to ShutdownGrace before it is cancelled.
func (p *DeliveryProcessor) graceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.settings.ShutdownGrace, cancel)
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

func (p *DeliveryProcessor) deliver(ctx context.Context, rec *store.TransportRecord) (result delivery.Result, err error) {
	var catcher panics.Catcher
	catcher.Try(func() { result, err = p.deliverer.Deliver(ctx, rec) })
	if r := catcher.Recovered(); r != nil {
		return delivery.Result{}, &delivery.TransportError{Kind: delivery.KindPanic, Err: r.AsError()}
	}
	return result, err
}

func (p *DeliveryProcessor) onDelivered(ctx context.Context, rec *store.TransportRecord, result delivery.Result) error {
	at := p.now()
	if err := p.repo.MarkDelivered(ctx, rec.ID, at); err != nil {
		return p.staleLease(rec, "mark delivered", err)
	}

	outcome := p.newOutcome(rec, broker.OutcomeDelivered, result, nil, at)
	p.report(ctx, outcome, result)
	return nil
}

func (p *DeliveryProcessor) onFailed(ctx context.Context, rec *store.TransportRecord, result delivery.Result, cause error) error {
	at := p.now()
	decision, err := p.scheduler.OnFailure(ctx, rec, cause, at)
	if err != nil {
		return p.staleLease(rec, "report failure", err)
	}

	kind := broker.OutcomeRetryScheduled
	if decision.Dead {
		kind = broker.OutcomeDead
	}
	outcome := p.newOutcome(rec, kind, result, cause, at)
	if !decision.Dead {
		next := decision.NextAttemptAt.UTC()
		outcome.NextAttemptAt = &next
	}
	p.report(ctx, outcome, result)
	return nil
}

// staleLease swallows UnknownRecordError: the record was reclaimed while this
// worker held it, so its new owner reports the outcome.
func (p *DeliveryProcessor) staleLease(rec *store.TransportRecord, op string, err error) error {
	if errors.Is(err, store.ErrUnknownRecord) {
		p.logger.Warn("lease lost before outcome was recorded",
			zap.String("record_id", rec.ID),
			zap.Int("attempt", rec.AttemptCount),
			zap.String("op", op),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (p *DeliveryProcessor) newOutcome(rec *store.TransportRecord, kind broker.OutcomeKind, result delivery.Result, cause error, at time.Time) broker.Outcome {
	outcome := broker.Outcome{
		RecordID:   rec.ID,
		Kind:       kind,
		Attempt:    rec.AttemptCount,
		StatusCode: result.StatusCode,
		CapturedAt: rec.CapturedAt,
		DeviceID:   rec.DeviceID,
		OwnerID:    rec.OwnerID,
		DurationMs: result.Duration.Milliseconds(),
		OccurredAt: at.UTC(),
	}
	if cause != nil {
		outcome.ErrorKind = delivery.ErrorKind(cause)
		outcome.Error = cause.Error()
		if outcome.StatusCode == 0 {
			outcome.StatusCode = delivery.StatusCode(cause)
		}
	}
	return outcome
}

func (p *DeliveryProcessor) report(ctx context.Context, outcome broker.Outcome, result delivery.Result) {
	fields := []zap.Field{
		zap.String("record_id", outcome.RecordID),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("attempt", outcome.Attempt),
		zap.Int("status_code", outcome.StatusCode),
		zap.Duration("duration", result.Duration),
	}
	if outcome.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", outcome.ErrorKind), zap.String("error", outcome.Error))
	}
	if outcome.NextAttemptAt != nil {
		fields = append(fields, zap.Time("next_attempt_at", *outcome.NextAttemptAt))
	}
	switch outcome.Kind {
	case broker.OutcomeDelivered:
		p.logger.Info("record delivered", fields...)
	case broker.OutcomeDead:
		p.logger.Error("record dead", fields...)
	default:
		p.logger.Warn("delivery failed", fields...)
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome.Kind)),
		attribute.String("error_kind", outcome.ErrorKind),
	)
	p.metrics.deliveries.Add(ctx, 1, attrs)
	if result.Duration > 0 {
		p.metrics.latency.Record(ctx, result.Duration.Seconds(), attrs)
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("record.outcome", string(outcome.Kind)))

	if p.outcomes != nil {
		// the publisher logs its own failures
		_ = p.outcomes.Publish(ctx, outcome)
	}
}
