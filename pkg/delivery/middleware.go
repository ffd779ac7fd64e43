package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type timeoutSender struct {
	next    Sender
	timeout time.Duration
}

// WithTimeout bounds every Send. A call cut short by the deadline is retryable.
func WithTimeout(next Sender, timeout time.Duration) Sender {
	if timeout <= 0 {
		return next
	}
	return &timeoutSender{next: next, timeout: timeout}
}

func (t *timeoutSender) Send(ctx context.Context, msg Message) Result {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	res := t.next.Send(callCtx, msg)
	if !res.OK() && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Retryable(fmt.Errorf("%w after %s: %v", ErrTimeout, t.timeout, res.Err))
	}
	return res
}

func (t *timeoutSender) Close() error { return t.next.Close() }

type rateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// WithRateLimit waits for the limiter before every Send.
func WithRateLimit(next Sender, limiter *rate.Limiter) Sender {
	if limiter == nil {
		return next
	}
	return &rateLimitedSender{next: next, limiter: limiter}
}

func (r *rateLimitedSender) Send(ctx context.Context, msg Message) Result {
	if err := r.limiter.Wait(ctx); err != nil {
		return Retryable(fmt.Errorf("rate limit: %w", err))
	}
	return r.next.Send(ctx, msg)
}

func (r *rateLimitedSender) Close() error { return r.next.Close() }

type breakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling the transport after consecutive retryable failures.
// Permanent failures are the message's fault and do not count against the transport.
func WithCircuitBreaker(next Sender, name string, cfg config.BreakerSettings, logger *zap.Logger) Sender {
	if !cfg.Enabled {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delivery circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &breakerSender{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerSender) Send(ctx context.Context, msg Message) Result {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		res := b.next.Send(ctx, msg)
		if res.Outcome == OutcomeRetryable {
			return res, errors.New(res.Error())
		}
		return res, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Retryable(fmt.Errorf("%w: %v", ErrCircuitOpen, err))
	}
	res, _ := out.(Result)
	return res
}

func (b *breakerSender) Close() error { return b.next.Close() }
