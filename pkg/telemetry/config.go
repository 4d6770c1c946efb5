package telemetry

import "time"

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level"`

	// Format selects "json" or "console" output.
	Format string `yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `yaml:"output"`

	// EnableCaller adds file:line information to each entry.
	EnableCaller bool `yaml:"enable_caller"`
}

// DefaultLoggingConfig returns the logging configuration used when none is
// supplied: info-level console output on stderr.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `yaml:"namespace"`

	// ListenAddr, if non-empty, starts an HTTP listener serving /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// DurationBuckets are the histogram buckets for task durations, in seconds.
	DurationBuckets []float64 `yaml:"duration_buckets"`
}

// DefaultMetricsConfig returns a disabled metrics configuration with the
// tideway namespace preset.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "tideway",
	}
}

// EventsConfig holds event publisher configuration.
type EventsConfig struct {
	// Enabled turns event publishing on.
	Enabled bool `yaml:"enabled"`

	// BufferSize is the async event buffer capacity.
	BufferSize int `yaml:"buffer_size"`

	// DrainTimeout bounds how long Close waits for buffered events to flush.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultEventsConfig returns an enabled publisher with a modest buffer.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		Enabled:      true,
		BufferSize:   256,
		DrainTimeout: 5 * time.Second,
	}
}
