package config

// Observability configures the OTLP exporters. When Enabled is false the process runs
// with no-op tracer and meter providers and the URLs may be empty.
type Observability struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required_if=Enabled true,omitempty,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"required_if=Enabled true,omitempty,url"`
}
