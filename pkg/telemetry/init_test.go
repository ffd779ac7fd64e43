package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zoff-tech/go-reminder-outbox/pkg/config"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		Enabled:     true,
		ServiceName: "test-service",
		TracingURL:  "http://localhost:4318/v1/traces",
		MetricsURL:  "http://localhost:4318/v1/metrics",
	}

	shutdown, err := Init(context.Background(), cfg, zaptest.NewLogger(t))
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)

	// The global providers are replaced
	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())

	shutdown()
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.Observability{ServiceName: "test-service"}, nil)
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	shutdown()
}

func TestInit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Observability
	}{
		{
			name: "empty tracing url",
			cfg:  config.Observability{Enabled: true, ServiceName: "test-service", MetricsURL: "http://localhost:4318"},
		},
		{
			name: "empty metrics url",
			cfg:  config.Observability{Enabled: true, ServiceName: "test-service", TracingURL: "http://localhost:4318"},
		},
		{
			name: "empty service name",
			cfg:  config.Observability{Enabled: true, TracingURL: "http://localhost:4318", MetricsURL: "http://localhost:4318"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Init(context.Background(), tt.cfg, zaptest.NewLogger(t))
			assert.Error(t, err)
			assert.Nil(t, shutdown)
		})
	}
}
