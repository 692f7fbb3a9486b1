package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"omitempty,url"`
	LogLevel    string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Environment string `mapstructure:"environment" validate:"omitempty,oneof=production development"`
}
