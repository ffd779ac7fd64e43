package processor

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempts int
		want     time.Duration
	}{
		{name: "first", base: time.Second, max: time.Hour, attempts: 0, want: time.Second},
		{name: "doubles", base: time.Second, max: time.Hour, attempts: 3, want: 8 * time.Second},
		{name: "capped", base: time.Second, max: 10 * time.Second, attempts: 5, want: 10 * time.Second},
		{name: "negative attempts", base: time.Second, max: time.Hour, attempts: -2, want: time.Second},
		{name: "zero base", base: 0, max: time.Hour, attempts: 4, want: 0},
		{name: "no cap", base: time.Second, max: 0, attempts: 4, want: 16 * time.Second},
		{name: "overflow saturates", base: time.Hour, max: 0, attempts: 200, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.base, tt.max, tt.attempts))
		})
	}
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	base, maxDelay := 30*time.Second, time.Hour
	prev := time.Duration(0)
	for attempts := 0; attempts < 100; attempts++ {
		d := Backoff(base, maxDelay, attempts)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempts)
		assert.LessOrEqual(t, d, maxDelay, "attempt %d", attempts)
		prev = d
	}
	assert.Equal(t, maxDelay, prev)
}
