package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/sms-relay/pkg/config"
	"go.uber.org/zap"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "log":
		return &logBroker{logger: logger.Named("outcomes")}, nil
	case "none", "":
		return noopBroker{}, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
