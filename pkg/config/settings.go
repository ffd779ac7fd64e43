package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "reminders"
	envPrefix  = "REMINDER"
)

// Settings is the full runtime configuration of the reminder pipeline. It is built once
// in main and handed to every component that needs it.
type Settings struct {
	Environment   string             `mapstructure:"environment"`
	OutboxEnabled bool               `mapstructure:"outbox_enabled"`
	Database      DbSettings         `mapstructure:"database"`
	Sender        SenderSettings     `mapstructure:"sender"`
	Scheduler     SchedulerSettings  `mapstructure:"scheduler"`
	Dispatcher    DispatcherSettings `mapstructure:"dispatcher"`
	HTTP          HTTPSettings       `mapstructure:"http"`
	Logging       LoggingSettings    `mapstructure:"logging"`
	Observability Observability      `mapstructure:"observability"`
}

// SchedulerSettings drive the due-reminder detector.
type SchedulerSettings struct {
	Interval  time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize int           `mapstructure:"batch_size" validate:"min=1,max=10000"`
	MaxLoops  int           `mapstructure:"max_loops" validate:"min=1"`
	// RecentSeconds bounds how far back due reminders are picked up. Zero disables the bound.
	RecentSeconds            int  `mapstructure:"recent_seconds" validate:"min=0"`
	DeadLetterDirectFailures bool `mapstructure:"dead_letter_direct_failures"`
}

// DispatcherSettings drive the outbox dispatcher and the send-now path.
type DispatcherSettings struct {
	Interval     time.Duration `mapstructure:"interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1,max=10000"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	MaxBackoff   time.Duration `mapstructure:"max_backoff" validate:"gtefield=RetryBackoff"`
	SendTimeout  time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	Lease        time.Duration `mapstructure:"lease" validate:"gtfield=SendTimeout"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl" validate:"gtfield=SendTimeout"`
	Parallelism  int           `mapstructure:"parallelism" validate:"min=1,max=64"`
}

type HTTPSettings struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LoggingSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Load reads reminders.yaml and reminders.<ENVIRONMENT>.yaml from filePath (both
// optional), then applies environment variables on top.
func Load(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil && !isNotFound(err) {
		return nil, fmt.Errorf("merge %s config: %w", env, err)
	}

	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Environment = env

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("outbox_enabled", true)

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.uri", "")
	v.SetDefault("database.name", "reminders")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("sender.type", "log")
	v.SetDefault("sender.url", "")
	v.SetDefault("sender.exchange", "reminders")
	v.SetDefault("sender.routing_key", "email.send")
	v.SetDefault("sender.project_id", "")
	v.SetDefault("sender.topic", "email-send")
	v.SetDefault("sender.pool_size", 4)
	v.SetDefault("sender.endpoint", "")
	v.SetDefault("sender.api_key", "")
	v.SetDefault("sender.from", "")
	v.SetDefault("sender.rate_limit", 0)
	v.SetDefault("sender.burst", 1)
	v.SetDefault("sender.breaker.enabled", true)
	v.SetDefault("sender.breaker.consecutive_failures", 5)
	v.SetDefault("sender.breaker.open_timeout", 30*time.Second)

	v.SetDefault("scheduler.interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.max_loops", 10)
	v.SetDefault("scheduler.recent_seconds", 0)
	v.SetDefault("scheduler.dead_letter_direct_failures", true)

	v.SetDefault("dispatcher.interval", 5*time.Second)
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.max_attempts", 5)
	v.SetDefault("dispatcher.retry_backoff", 30*time.Second)
	v.SetDefault("dispatcher.max_backoff", time.Hour)
	v.SetDefault("dispatcher.send_timeout", 15*time.Second)
	v.SetDefault("dispatcher.lease", 5*time.Minute)
	v.SetDefault("dispatcher.claim_ttl", 2*time.Minute)
	v.SetDefault("dispatcher.parallelism", 4)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.service_name", "reminder-dispatcher")
	v.SetDefault("observability.tracing_url", "")
	v.SetDefault("observability.metrics_url", "")
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like REMINDER_DATABASE_DSN
	v.AutomaticEnv()

	// Flags shared with the rest of the backend keep their historical names.
	_ = v.BindEnv("outbox_enabled", "OUTBOX_ENABLED", envPrefix+"_OUTBOX_ENABLED")
	_ = v.BindEnv("scheduler.batch_size", "SCHEDULER_BATCH_SIZE", envPrefix+"_SCHEDULER_BATCH_SIZE")
	_ = v.BindEnv("scheduler.max_loops", "SCHEDULER_MAX_LOOPS", envPrefix+"_SCHEDULER_MAX_LOOPS")
	_ = v.BindEnv("scheduler.recent_seconds", "SCHEDULER_RECENT_SECONDS", envPrefix+"_SCHEDULER_RECENT_SECONDS")
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound)
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
