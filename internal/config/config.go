// Package config provides centralized configuration management for the
// import service. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Store      StoreConfig
	Upload     UploadConfig
	Channel    ChannelConfig
	Correction CorrectionConfig
	Progress   ProgressConfig
	Blob       BlobConfig
	Queue      QueueConfig
	Rate       RateLimitConfig
	Security   SecurityConfig
	Logging    LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, running imports included (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Only used when STORE_DRIVER is postgres.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// StoreConfig selects where records and finished jobs are persisted.
type StoreConfig struct {
	// Driver is memory, postgres or sqlite (default: memory)
	Driver string `env:"STORE_DRIVER" default:"memory"`

	// SQLitePath is the database file for the sqlite driver
	SQLitePath string `env:"SQLITE_PATH" default:"stockimport.db"`

	// JobRetention is how long finished jobs stay in memory before only the
	// archive has them (default: 1h)
	JobRetention time.Duration `env:"JOB_RETENTION" default:"1h"`

	// SweepInterval is how often expired jobs are evicted (default: 5m)
	SweepInterval time.Duration `env:"JOB_SWEEP_INTERVAL" default:"5m"`
}

// UploadConfig holds upload processing settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel imports (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a job waits for a worker slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// BatchSize is the number of rows between progress updates (default: 100)
	BatchSize int `env:"UPLOAD_BATCH_SIZE" default:"100"`

	// Timeout is the maximum duration of a single import (default: 10m)
	Timeout time.Duration `env:"UPLOAD_TIMEOUT" default:"10m"`

	// InlineWait is how long a request/response upload waits for its
	// result before answering 202 (default: 10s)
	InlineWait time.Duration `env:"UPLOAD_INLINE_WAIT" default:"10s"`
}

// ChannelConfig holds the thresholds of the channel classifier.
type ChannelConfig struct {
	RowThreshold  int   `env:"CHANNEL_ROW_THRESHOLD" default:"1000"`
	ByteThreshold int64 `env:"CHANNEL_BYTE_THRESHOLD" default:"1048576"`
	AvgRowBytes   int64 `env:"CHANNEL_AVG_ROW_BYTES" default:"120"`

	// HighLatencyTypes always get push delivery (default: movements)
	HighLatencyTypes []string `env:"CHANNEL_HIGH_LATENCY_TYPES" default:"movements"`
}

// CorrectionConfig holds auto-correction settings.
type CorrectionConfig struct {
	// MinConfidence is the lowest confidence at which a fix is applied (default: 0.7)
	MinConfidence float64 `env:"CORRECTION_MIN_CONFIDENCE" default:"0.7"`
}

// ProgressConfig holds push delivery and job bookkeeping settings.
type ProgressConfig struct {
	// SubscriberBuffer is how many events a subscriber may lag behind
	// before it is dropped (default: 64)
	SubscriberBuffer int `env:"PROGRESS_SUBSCRIBER_BUFFER" default:"64"`

	SubscriberIdleTimeout time.Duration `env:"PROGRESS_SUBSCRIBER_IDLE_TIMEOUT" default:"5m"`

	// RecentErrors is the tail of row errors carried by each snapshot (default: 10)
	RecentErrors int `env:"PROGRESS_RECENT_ERRORS" default:"10"`

	// MaxStoredErrors caps the row errors kept per job (default: 1000)
	MaxStoredErrors int `env:"PROGRESS_MAX_STORED_ERRORS" default:"1000"`

	// VelocityWindow is the number of batches averaged for the ETA (default: 5)
	VelocityWindow int `env:"PROGRESS_VELOCITY_WINDOW" default:"5"`
}

// BlobConfig selects where uploads wait until they are processed.
type BlobConfig struct {
	// Driver is local or minio (default: local)
	Driver   string `env:"BLOB_DRIVER" default:"local"`
	LocalDir string `env:"BLOB_LOCAL_DIR" default:"data/uploads"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET" default:"stock-imports"`
	S3Region    string `env:"S3_REGION" default:"us-east-1"`
	S3UseSSL    bool   `env:"S3_USE_SSL" default:"false"`
}

// QueueConfig selects how import runs are dispatched.
type QueueConfig struct {
	// Driver is local (in-process worker pool) or asynq (default: local)
	Driver        string `env:"QUEUE_DRIVER" default:"local"`
	RedisAddr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" default:"0"`
	MaxRetry      int    `env:"QUEUE_MAX_RETRY" default:"3"`

	// Concurrency of the embedded asynq worker (default: 5)
	Concurrency int `env:"QUEUE_CONCURRENCY" default:"5"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the sustained rate per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is the rate per IP for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey makes X-API-Key mandatory; the key selects the tenant
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of key:tenant pairs
	APIKeys []string `env:"API_KEYS"`

	// DefaultTenant is used when neither an API key nor X-Tenant-ID is sent
	DefaultTenant string `env:"DEFAULT_TENANT" default:"default"`

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

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// TenantKeys parses APIKeys into a key to tenant map.
func (c *SecurityConfig) TenantKeys() (map[string]string, error) {
	keys := make(map[string]string, len(c.APIKeys))
	for _, pair := range c.APIKeys {
		key, tenant, ok := strings.Cut(pair, ":")
		key, tenant = strings.TrimSpace(key), strings.TrimSpace(tenant)
		if !ok || key == "" || tenant == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:tenant", mask(pair))
		}
		keys[key] = tenant
	}
	return keys, nil
}

// mask hides all but the first characters of a secret.
func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
