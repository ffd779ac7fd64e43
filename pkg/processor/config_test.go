package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

func TestConfigFromSettings(t *testing.T) {
	s := &config.Settings{
		OutboxEnabled: true,
		Scheduler:     config.SchedulerSettings{Interval: time.Second, BatchSize: 25, MaxLoops: 4, RecentSeconds: 600},
		Dispatcher: config.DispatcherSettings{
			Interval: 2 * time.Second, BatchSize: 50, MaxAttempts: 6,
			RetryBackoff: time.Second, MaxBackoff: time.Minute, Lease: time.Minute,
			ClaimTTL: time.Minute, Parallelism: 3,
		},
	}
	cfg := ConfigFromSettings(s)
	assert.True(t, cfg.OutboxEnabled)
	assert.Equal(t, 25, cfg.DetectBatchSize)
	assert.Equal(t, 10*time.Minute, cfg.Lookback)
	assert.Equal(t, 6, cfg.MaxAttempts)
	assert.Equal(t, 3, cfg.Parallelism)

	normalized := Config{}.normalize()
	assert.Equal(t, defaultBatchSize, normalized.DetectBatchSize)
	assert.Equal(t, defaultMaxAttempts, normalized.MaxAttempts)
	assert.Zero(t, normalized.Lookback)
	assert.NotNil(t, normalized.Now)
}
