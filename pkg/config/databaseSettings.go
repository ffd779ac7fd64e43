package config

import "time"

// DbSettings selects and configures the work item store backend.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres mongo spanner memory"`
	// DSN is the lib/pq connection string for postgres.
	DSN string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	// URI is the mongodb connection URI or the spanner database path
	// (projects/<p>/instances/<i>/databases/<d>).
	URI            string        `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	Name           string        `mapstructure:"name" validate:"required_if=Type mongo"`
	MaxOpenConns   int           `mapstructure:"max_open_conns" validate:"min=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
}
