package config

// BrokerSettings holds configuration for the broker that receives delivery outcomes.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"omitempty,oneof=rabbitmq gcp-pubsub log none"`
	URL       string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string `mapstructure:"exchange"`
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	Topic     string `mapstructure:"topic"`                                              // outcome topic or routing key
	PoolSize  int    `mapstructure:"pool_size" validate:"gte=0"`
}
