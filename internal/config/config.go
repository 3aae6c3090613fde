package config

import (
	"encoding/json"
	"fmt"
	"os"

	"invoiceq/internal/constants"
	"invoiceq/internal/models"
	"invoiceq/internal/security"
)

var (
	ErrMissingAPIURL = models.ConfigError{Message: "missing invoice API base URL"}
	ErrMissingDBPath = models.ConfigError{Message: "missing queue database path"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}

	if c.Queue.MaxPending < 0 {
		return models.ConfigError{Message: "queue.maxPending must not be negative"}
	}
	if c.Queue.MaxPending == 0 {
		c.Queue.MaxPending = constants.DefaultMaxPendingEntries
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}

	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	if c.Network.ProbeIntervalSec <= 0 {
		c.Network.ProbeIntervalSec = constants.DefaultProbeIntervalSec
	}
	if c.Network.ProbeTimeoutSec <= 0 {
		c.Network.ProbeTimeoutSec = constants.DefaultProbeTimeoutSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "invoiceq"
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("INVOICEQ_API_URL"); url != "" {
		c.API.BaseURL = url
	}
	if tenant := os.Getenv("INVOICEQ_TENANT"); tenant != "" {
		c.API.Tenant = tenant
	}
	if path := os.Getenv("INVOICEQ_DB_PATH"); path != "" {
		c.Database.Path = path
	}

	// SECURITY: the local surface auth token should come from the environment
	if token := os.Getenv("INVOICEQ_SERVER_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("INVOICEQ_ENV") == "production"

	if isProduction {
		if c.Server.AuthToken == "" {
			return models.ConfigError{Message: "server auth token is required in production (set INVOICEQ_SERVER_TOKEN environment variable)"}
		}
		if len(c.Server.AuthToken) < 32 {
			return models.ConfigError{Message: "server auth token must be at least 32 characters long"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Server.AuthToken == "" {
		fmt.Fprintf(os.Stderr, "WARNING: server auth token not set. Set INVOICEQ_SERVER_TOKEN environment variable to protect the local API.\n")
	}

	return nil
}
