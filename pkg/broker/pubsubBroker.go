package broker

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/zoff-tech/sms-relay/pkg/config"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return newPubSubBroker(client), nil
}

type pubSubBroker struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func newPubSubBroker(client *pubsub.Client) *pubSubBroker {
	return &pubSubBroker{client: client, topics: make(map[string]*pubsub.Topic)}
}

// topic returns a cached handle so each topic keeps a single publish bundler.
func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, entity string, data []byte, headers map[string]string) error {
	tracer := otel.Tracer("sms-relay")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(entity),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	attributes := make(map[string]string, len(headers)+2)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
	for key, value := range headers {
		attributes[key] = value
	}

	res := p.topic(entity).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	})
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	return p.client.Close()
}
