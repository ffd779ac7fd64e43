package processor

import (
	"time"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

const (
	defaultBatchSize    = 100
	defaultMaxLoops     = 10
	defaultMaxAttempts  = 5
	defaultRetryBackoff = 30 * time.Second
	defaultMaxBackoff   = time.Hour
	defaultLease        = 5 * time.Minute
	defaultClaimTTL     = 2 * time.Minute
	defaultParallelism  = 4
	defaultInterval     = 30 * time.Second
)

// Config holds the knobs shared by the detector, the dispatcher and send-now.
type Config struct {
	OutboxEnabled bool

	DetectBatchSize int
	MaxLoops        int
	// Lookback bounds how old a due reminder may be. Zero means unbounded.
	Lookback                 time.Duration
	DeadLetterDirectFailures bool

	DispatchBatchSize int
	MaxAttempts       int
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
	Lease             time.Duration
	ClaimTTL          time.Duration
	Parallelism       int

	DetectInterval   time.Duration
	DispatchInterval time.Duration

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// ConfigFromSettings maps the loaded settings onto a processor Config.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		OutboxEnabled:            s.OutboxEnabled,
		DetectBatchSize:          s.Scheduler.BatchSize,
		MaxLoops:                 s.Scheduler.MaxLoops,
		Lookback:                 time.Duration(s.Scheduler.RecentSeconds) * time.Second,
		DeadLetterDirectFailures: s.Scheduler.DeadLetterDirectFailures,
		DispatchBatchSize:        s.Dispatcher.BatchSize,
		MaxAttempts:              s.Dispatcher.MaxAttempts,
		RetryBackoff:             s.Dispatcher.RetryBackoff,
		MaxBackoff:               s.Dispatcher.MaxBackoff,
		Lease:                    s.Dispatcher.Lease,
		ClaimTTL:                 s.Dispatcher.ClaimTTL,
		Parallelism:              s.Dispatcher.Parallelism,
		DetectInterval:           s.Scheduler.Interval,
		DispatchInterval:         s.Dispatcher.Interval,
	}
}

func (c Config) normalize() Config {
	if c.DetectBatchSize <= 0 {
		c.DetectBatchSize = defaultBatchSize
	}
	if c.MaxLoops <= 0 {
		c.MaxLoops = defaultMaxLoops
	}
	if c.Lookback < 0 {
		c.Lookback = 0
	}
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.RetryBackoff {
			c.MaxBackoff = c.RetryBackoff
		}
	}
	if c.Lease <= 0 {
		c.Lease = defaultLease
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
	if c.Parallelism <= 0 {
		c.Parallelism = defaultParallelism
	}
	if c.DetectInterval <= 0 {
		c.DetectInterval = defaultInterval
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultInterval
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}
