package constants

// Default connectivity probe configuration values
const (
	DefaultProbeIntervalSec  = 10
	DefaultProbeTimeoutSec   = 5
	DefaultRetryBackoffMs    = 1000
	DefaultMaxBackoffMs      = 60000
	DefaultMaxAttempts       = 5
	DefaultServerPort        = 8089
	DefaultMaxPendingEntries = 1000
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultGracefulShutdownSec   = 30
	DefaultDrainTimeoutSec       = 120
	DefaultSubmitTimeoutSec      = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
)

// Circuit breaker defaults for the upstream invoice API
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerCooldownSec = 30
)

// Key derivation salt for at-rest queue payload encryption
const (
	EncryptionSalt = "invoiceq-queue-v1"
)

// Channel and buffer size constants
const (
	ServerErrorChannelSize  = 1
	NetworkEventBufferSize  = 4
	StatusStreamWriteSec    = 5
	StatusHubBroadcastDepth = 8
)
