package config

import "time"

// SenderSettings selects the delivery capability used for reminder emails.
type SenderSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub http log"`

	// rabbitmq
	URL        string `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key" validate:"required_if=Type rabbitmq"`
	PoolSize   int    `mapstructure:"pool_size" validate:"min=1"`

	// gcp-pubsub
	ProjectID string `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"`
	Topic     string `mapstructure:"topic" validate:"required_if=Type gcp-pubsub"`

	// http
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Type http,omitempty,url"`
	APIKey   string `mapstructure:"api_key"`
	From     string `mapstructure:"from" validate:"omitempty,email"`

	// RateLimit is in messages per second; zero disables limiting.
	RateLimit float64         `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int             `mapstructure:"burst" validate:"min=1"`
	Breaker   BreakerSettings `mapstructure:"breaker"`
}

type BreakerSettings struct {
	Enabled             bool          `mapstructure:"enabled"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"min=1"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
}
