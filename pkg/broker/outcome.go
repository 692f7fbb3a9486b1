package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type OutcomeKind string

const (
	OutcomeDelivered      OutcomeKind = "delivered"
	OutcomeRetryScheduled OutcomeKind = "retry_scheduled"
	OutcomeDead           OutcomeKind = "dead"
)

// Outcome is the structured result of one delivery attempt.
type Outcome struct {
	RecordID      string      `json:"recordId"`
	Kind          OutcomeKind `json:"kind"`
	Attempt       int         `json:"attempt"`
	StatusCode    int         `json:"statusCode,omitempty"`
	ErrorKind     string      `json:"errorKind,omitempty"`
	Error         string      `json:"error,omitempty"`
	NextAttemptAt *time.Time  `json:"nextAttemptAt,omitempty"`
	CapturedAt    int64       `json:"capturedAt"`
	DeviceID      string      `json:"deviceId"`
	OwnerID       string      `json:"ownerId"`
	DurationMs    int64       `json:"durationMs"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// OutcomeSink receives delivery outcomes.
type OutcomeSink interface {
	Publish(ctx context.Context, outcome Outcome) error
}

// OutcomePublisher serializes outcomes onto a MessageBroker. Dead outcomes are
// additionally copied to the dead-letter topic.
type OutcomePublisher struct {
	broker          MessageBroker
	topic           string
	deadLetterTopic string
	logger          *zap.Logger
}

func NewOutcomePublisher(broker MessageBroker, topic, deadLetterTopic string, logger *zap.Logger) *OutcomePublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if topic == "" {
		topic = "sms.outcomes"
	}
	return &OutcomePublisher{
		broker:          broker,
		topic:           topic,
		deadLetterTopic: deadLetterTopic,
		logger:          logger,
	}
}

func (p *OutcomePublisher) Publish(ctx context.Context, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	headers := map[string]string{
		"record-id": outcome.RecordID,
		"outcome":   string(outcome.Kind),
		"attempt":   strconv.Itoa(outcome.Attempt),
	}

	err = p.broker.Publish(ctx, p.topic, data, headers)
	if outcome.Kind == OutcomeDead && p.deadLetterTopic != "" {
		err = multierr.Append(err, p.broker.Publish(ctx, p.deadLetterTopic, data, headers))
	}
	if err != nil {
		p.logger.Warn("outcome publish failed",
			zap.String("record_id", outcome.RecordID),
			zap.String("outcome", string(outcome.Kind)),
			zap.Error(err),
		)
	}
	return err
}

func (p *OutcomePublisher) Close() error {
	return p.broker.Close()
}
