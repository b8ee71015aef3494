// Package telemetry provides logging, tracing, and metrics for the
// Patina core. Structured logs go through zerolog, traces through
// OpenTelemetry, metrics through Prometheus.
package telemetry

import (
	"fmt"
	"time"
)

// Config is the full telemetry configuration.
type Config struct {
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format is json or console.
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=json console"`

	// Output is stdout, stderr, or a file path.
	Output string `json:"output" yaml:"output"`

	// EnableCaller adds caller file:line to every entry.
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`
}

// TracingConfig configures the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout, or none.
	Exporter string `json:"exporter" yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Insecure skips TLS on the OTLP connection.
	Insecure bool `json:"insecure" yaml:"insecure"`

	// SamplingRate is the parent-based trace sampling ratio.
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// ExportTimeout bounds one export batch.
	ExportTimeout time.Duration `json:"export_timeout" yaml:"export_timeout"`
}

// MetricsConfig configures the Prometheus metrics collector.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Namespace prefixes all metric names.
	Namespace string `json:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a development-friendly telemetry config.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "patina",
		},
	}
}

// Validate checks config consistency beyond field tags.
func (c *Config) Validate() error {
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}
	return nil
}
