package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database        DbSettings       `mapstructure:"database"`
	Broker          BrokerSettings   `mapstructure:"broker"`
	Delivery        DeliverySettings `mapstructure:"delivery"`
	Retry           RetrySettings    `mapstructure:"retry"`
	Outbox          OutboxSettings   `mapstructure:"outbox"`
	DeadLetterTopic string           `mapstructure:"dead_letter_topic"`
	Device          DeviceSettings   `mapstructure:"device"`
	API             APISettings      `mapstructure:"api"`
	Observability   Observability    `mapstructure:"observability"` // Observability settings

	// Sources records the files LoadFromFile merged, for WatchDevice.
	Sources ConfigSources `mapstructure:"-"`
}

// APISettings configures the loopback ingress and inspection API.
type APISettings struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	// An abandoned lease must not be reclaimed while its delivery may still be running.
	if c.Outbox.LeaseTimeout <= c.Delivery.TotalTimeout {
		return fmt.Errorf("outbox.lease_timeout (%s) must be greater than delivery.total_timeout (%s)",
			c.Outbox.LeaseTimeout, c.Delivery.TotalTimeout)
	}
	return nil
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("relay")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	var sources ConfigSources
	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	} else {
		sources.Base = viper.ConfigFileUsed()
	}

	// mergeConfig switches viper's config name, so ConfigFileUsed now names the overlay
	err := mergeConfig(filePath, "relay."+env)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merging %s config: %w", env, err)
		}
		if sources.Base != "" {
			// watched so that an overlay created later is picked up
			sources.Overlay = filepath.Join(filepath.Dir(sources.Base), "relay."+env+".yaml")
		}
	} else {
		sources.Overlay = viper.ConfigFileUsed()
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Sources = sources
	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like RELAY_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.collection",
		"database.table",
		"database.redis_addr",
		"database.redis_db",
		"database.key_prefix",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.project_id",
		"broker.topic",
		"broker.pool_size",
		"delivery.workers",
		"delivery.connect_timeout",
		"delivery.total_timeout",
		"delivery.poll_interval",
		"delivery.rate_limit",
		"delivery.shutdown_grace",
		"retry.base",
		"retry.max_interval",
		"retry.max_attempts",
		"retry.jitter",
		"outbox.lease_timeout",
		"outbox.sweep_interval",
		"outbox.delivered_grace",
		"outbox.dead_retention",
		"dead_letter_topic",
		"device.endpoint_url",
		"device.device_id",
		"device.owner_id",
		"api.listen_addr",
		"observability.service_name",
		"observability.tracing_url",
		"observability.metrics_url",
		"observability.log_level",
		"observability.environment",
	} {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	if err := viper.Unmarshal(c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("database.table", "sms_outbox")
	viper.SetDefault("database.collection", "sms_outbox")
	viper.SetDefault("database.key_prefix", "relay")
	viper.SetDefault("broker.type", "log")
	viper.SetDefault("broker.pool_size", 2)
	viper.SetDefault("delivery.workers", 3)
	viper.SetDefault("delivery.connect_timeout", 5*time.Second)
	viper.SetDefault("delivery.total_timeout", 10*time.Second)
	viper.SetDefault("delivery.poll_interval", 2*time.Second)
	viper.SetDefault("delivery.shutdown_grace", 5*time.Second)
	viper.SetDefault("retry.base", 2*time.Second)
	viper.SetDefault("retry.max_interval", 10*time.Minute)
	viper.SetDefault("retry.max_attempts", 10)
	viper.SetDefault("retry.jitter", true)
	viper.SetDefault("outbox.lease_timeout", time.Minute)
	viper.SetDefault("outbox.sweep_interval", 30*time.Second)
	viper.SetDefault("outbox.delivered_grace", 24*time.Hour)
	viper.SetDefault("outbox.dead_retention", 7*24*time.Hour)
	viper.SetDefault("api.listen_addr", "127.0.0.1:8089")
	viper.SetDefault("observability.service_name", "sms-relay")
	viper.SetDefault("observability.log_level", "info")
	viper.SetDefault("observability.environment", "production")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
