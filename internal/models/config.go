package models

// Config holds the application configuration
type Config struct {
	API      APIConfig      `json:"api"`
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Queue    QueueConfig    `json:"queue"`
	Network  NetworkConfig  `json:"network"`
	Retry    RetryConfig    `json:"retry"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// APIConfig holds upstream invoicing API configuration
type APIConfig struct {
	BaseURL    string `json:"base_url"`
	Tenant     string `json:"tenant"`
	TimeoutSec int    `json:"timeoutSec"`
}

// ServerConfig holds the local HTTP surface configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	AuthToken       string `json:"auth_token"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
}

// DatabaseConfig holds queue persistence configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// QueueConfig bounds the offline queue. MaxPending of 0 means unbounded.
type QueueConfig struct {
	MaxPending int `json:"maxPending"`
}

// NetworkConfig drives the connectivity observer probe loop
type NetworkConfig struct {
	ProbeIntervalSec int `json:"probeIntervalSec"`
	ProbeTimeoutSec  int `json:"probeTimeoutSec"`
}

// RetryConfig holds per-submission retry configuration
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
