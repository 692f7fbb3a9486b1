package config

// DbSettings selects and configures the outbox storage backend.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner redis memory"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DBName     string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
	Table      string `mapstructure:"table"`
	RedisAddr  string `mapstructure:"redis_addr" validate:"required_if=Type redis"`
	RedisDB    int    `mapstructure:"redis_db" validate:"gte=0"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}
