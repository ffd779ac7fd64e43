package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
)

const tracerName = "go-reminder-outbox/delivery"

// NewSender builds the configured transport and wraps it with the rate limit, the
// circuit breaker and a per-call timeout.
func NewSender(ctx context.Context, cfg config.SenderSettings, timeout time.Duration, logger *zap.Logger) (Sender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var base Sender
	var err error
	switch cfg.Type {
	case "rabbitmq":
		base, err = NewRabbitMqSender(ctx, cfg, logger)
	case "gcp-pubsub":
		base, err = NewPubSubSender(ctx, cfg, logger)
	case "http":
		base = newHTTPSender(cfg, nil, logger)
	case "log":
		base = newLogSender(logger)
	default:
		return nil, fmt.Errorf("unsupported sender type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	sender := WithTimeout(base, timeout)
	if cfg.RateLimit > 0 {
		sender = WithRateLimit(sender, rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst))
	}
	return WithCircuitBreaker(sender, cfg.Type, cfg.Breaker, logger), nil
}
