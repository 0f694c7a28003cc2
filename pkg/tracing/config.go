// Package tracing bootstraps OpenTelemetry with a Jaeger exporter.
package tracing

// Config represents the tracing configuration
type Config struct {
	Enabled        bool    `toml:"enabled" env:"ENABLED"`
	ServiceName    string  `toml:"serviceName" env:"SERVICE_NAME"`
	ServiceVersion string  `toml:"serviceVersion" env:"SERVICE_VERSION"`
	Environment    string  `toml:"environment" env:"ENVIRONMENT"`
	// Endpoint is the Jaeger collector URL. When empty the UDP agent is used.
	Endpoint       string  `toml:"endpoint" env:"ENDPOINT"`
	AgentHost      string  `toml:"agentHost" env:"AGENT_HOST"`
	SamplingRate   float64 `toml:"samplingRate" env:"SAMPLING_RATE"`
	MaxExportBatch int     `toml:"maxExportBatch" env:"MAX_EXPORT_BATCH"`
	MaxQueueSize   int     `toml:"maxQueueSize" env:"MAX_QUEUE_SIZE"`
}

// DefaultConfig returns the default tracing configuration. Tracing is off
// unless enabled explicitly.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "fieldsync",
		ServiceVersion: "dev",
		Environment:    "development",
		Endpoint:       "http://localhost:14268/api/traces",
		AgentHost:      "localhost",
		SamplingRate:   1.0,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}
