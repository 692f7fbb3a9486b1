package config

import "time"

// DeliverySettings tunes the worker pool and the HTTP call to the owner's endpoint.
type DeliverySettings struct {
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	TotalTimeout   time.Duration `mapstructure:"total_timeout" validate:"gt=0"`
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"` // deliveries per second, 0 = unlimited
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
}

// RetrySettings drives the backoff curve and the retry ceiling.
type RetrySettings struct {
	Base        time.Duration `mapstructure:"base" validate:"gt=0"`
	MaxInterval time.Duration `mapstructure:"max_interval" validate:"gt=0"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	Jitter      bool          `mapstructure:"jitter"`
}

// OutboxSettings holds lease and retention windows.
type OutboxSettings struct {
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" validate:"gt=0"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	DeliveredGrace time.Duration `mapstructure:"delivered_grace" validate:"gte=0"`
	DeadRetention  time.Duration `mapstructure:"dead_retention" validate:"gte=0"`
}
