package broker

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// logBroker writes every message to the structured log instead of a broker.
type logBroker struct {
	logger *zap.Logger
}

func (l *logBroker) Publish(_ context.Context, entity string, data []byte, headers map[string]string) error {
	l.logger.Info("outcome",
		zap.String("topic", entity),
		zap.Any("headers", headers),
		zap.Any("payload", json.RawMessage(data)),
	)
	return nil
}

func (l *logBroker) Close() error {
	_ = l.logger.Sync()
	return nil
}

// noopBroker drops every message.
type noopBroker struct{}

func (noopBroker) Publish(context.Context, string, []byte, map[string]string) error { return nil }
func (noopBroker) Close() error                                                     { return nil }
