// Package logging builds the process zap logger and decorates it with trace context.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a structured logger from the logging settings.
func New(cfg config.LoggingSettings) (*zap.Logger, error) {
	var level zapcore.Level
	if strings.TrimSpace(cfg.Level) != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}
	}

	var base zap.Config
	switch cfg.Format {
	case "console":
		base = zap.NewDevelopmentConfig()
	case "", "json":
		base = zap.NewProductionConfig()
		base.EncoderConfig.TimeKey = "ts"
		base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid format %q", cfg.Format)
	}
	base.Level = zap.NewAtomicLevelAt(level)
	base.DisableStacktrace = true

	logger, err := base.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// WithTrace returns logger annotated with the trace and span ids of the span in ctx.
func WithTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}
