// Package config provides centralized configuration management for csvmerge.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Load     LoadConfig
	Source   SourceConfig
	Server   ServerConfig
	Security SecurityConfig
	Logging  LoggingConfig
	Schedule ScheduleConfig
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver selects the engine: postgres, mysql, sqlite, duckdb (default: postgres)
	Driver string `env:"DB_DRIVER" default:"postgres"`

	// URL is the connection string or database file path (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// LoadConfig holds the defaults applied to every load and the limits around it.
type LoadConfig struct {
	// Delimiter is the default field separator (default: ",")
	Delimiter string `env:"LOAD_DELIMITER" default:","`

	// HasHeader skips the first line of every file by default
	HasHeader bool `env:"LOAD_HAS_HEADER" default:"false"`

	// ReplaceDuplicates overwrites matched rows by default (default: true)
	ReplaceDuplicates bool `env:"LOAD_REPLACE_DUPLICATES" default:"true"`

	// RequireKey fails loads that cannot derive a reconciliation key
	RequireKey bool `env:"LOAD_REQUIRE_KEY" default:"false"`

	// Isolation is the transaction isolation level: serializable or repeatable_read
	Isolation string `env:"LOAD_ISOLATION" default:"serializable"`

	// Timeout is the maximum duration of a single load (default: 10m)
	Timeout time.Duration `env:"LOAD_TIMEOUT" default:"10m"`

	// MaxConcurrent is the maximum number of parallel loads (default: 4)
	MaxConcurrent int `env:"LOAD_MAX_CONCURRENT" default:"4"`

	// MaxWaitTime is how long to wait for a load slot (default: 30s)
	MaxWaitTime time.Duration `env:"LOAD_MAX_WAIT_TIME" default:"30s"`

	// RetryAttempts is how many times callers retry transient transaction failures (default: 3)
	RetryAttempts int `env:"LOAD_RETRY_ATTEMPTS" default:"3"`

	// RetryBackoff is the base delay between retries (default: 500ms)
	RetryBackoff time.Duration `env:"LOAD_RETRY_BACKOFF" default:"500ms"`
}

// SourceConfig holds settings for fetching remote and compressed files.
type SourceConfig struct {
	// TempDir is where remote or compressed files are materialised (default: OS temp dir)
	TempDir string `env:"SOURCE_TEMP_DIR"`

	// S3Region is the AWS region for s3:// sources
	S3Region string `env:"S3_REGION" envAlt:"AWS_REGION"`

	// S3Endpoint overrides the S3 endpoint, e.g. for MinIO
	S3Endpoint string `env:"S3_ENDPOINT"`

	// S3PathStyle forces path-style addressing
	S3PathStyle bool `env:"S3_PATH_STYLE" default:"false"`

	// GCSCredentialsFile is a service account key file for gs:// sources
	GCSCredentialsFile string `env:"GCS_CREDENTIALS_FILE"`

	// AzureAccountName and AzureAccountKey authenticate az:// sources
	AzureAccountName string `env:"AZURE_STORAGE_ACCOUNT"`
	AzureAccountKey  string `env:"AZURE_STORAGE_KEY"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// MaxUploadSize is the maximum accepted upload in bytes (default: 100MB)
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"104857600"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key authentication on /api routes
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// ScheduleConfig holds scheduled load settings.
type ScheduleConfig struct {
	// JobsFile is a YAML file listing scheduled loads
	JobsFile string `env:"SCHEDULE_JOBS_FILE" default:"jobs.yaml"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
