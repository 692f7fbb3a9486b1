package broker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/sms-relay/pkg/config"
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if settings.Exchange == "" {
		return nil, errors.New("exchange must be set")
	}

	broker := &rabbitMqBroker{
		settings:        settings,
		logger:          logger.Named("rabbitmq"),
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection, exchange and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.RWMutex
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closed          bool
}

func (r *rabbitMqBroker) Publish(ctx context.Context, entity string, data []byte, headers map[string]string) error {
	tracer := otel.Tracer("sms-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(entity),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))
	merged := maps.Clone(headers)
	if merged == nil {
		merged = map[string]string{}
	}
	maps.Copy(merged, traceHeaders)

	// Convert headers to amqp.Table
	amqpHeaders := make(amqp.Table, len(merged))
	for k, v := range merged {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.settings.Exchange, entity, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         data,
			Headers:      amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	r.drainPool(r.channelPool)

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
