// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port           int
	Env            string // "development" or "production"
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
	CORSOrigins    []string

	// Database settings.
	DatabaseURL      string
	DBPoolMin        int
	DBPoolMax        int
	DBConnectTimeout time.Duration
	DBIdleTimeout    time.Duration
	DBQueryTimeout   time.Duration

	// Redis queue settings.
	RedisURL           string
	QueueBackpressure  int           // Waiting jobs per ingestion queue before 503.
	JobTimeout         time.Duration // Visibility timeout per job.
	WorkerConcurrency  int           // Workers per queue.
	ReplayChunkSize    int           // Events per replay chunk.
	WorkerDrainTimeout time.Duration

	// JWT settings.
	JWTSecret        string
	JWTExpiry        time.Duration // Access token lifetime.
	JWTRefreshExpiry time.Duration // Refresh token lifetime.

	// Object storage settings.
	StorageBackend string // "local" or "s3"
	StorageTimeout time.Duration

	// Local backend.
	StorageBaseDir string
	StorageBaseURL string

	// S3 backend.
	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3AccessKeyID    string
	S3SecretKey      string
	S3ForcePathStyle bool
	S3SSE            string // "", "AES256", or "aws:kms"
	S3SSEKMSKeyID    string
	S3StorageClass   string

	// Rate limiting.
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Retention scheduler.
	RetentionSchedule string // Cron spec, instance-local time.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:           envInt("PORT", 8080),
		Env:            envStr("NODE_ENV", "development"),
		ReadTimeout:    envDuration("BUGSPOTTER_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   envDuration("BUGSPOTTER_WRITE_TIMEOUT", 30*time.Second),
		RequestTimeout: envDuration("BUGSPOTTER_REQUEST_TIMEOUT", 30*time.Second),
		CORSOrigins:    envList("CORS_ORIGINS", nil),

		DatabaseURL:      envStr("DATABASE_URL", ""),
		DBPoolMin:        envInt("DB_POOL_MIN", 2),
		DBPoolMax:        envInt("DB_POOL_MAX", 10),
		DBConnectTimeout: envDuration("DB_CONNECTION_TIMEOUT_MS", 5*time.Second),
		DBIdleTimeout:    envDuration("DB_IDLE_TIMEOUT_MS", 5*time.Minute),
		DBQueryTimeout:   envDuration("BUGSPOTTER_DB_QUERY_TIMEOUT", 10*time.Second),

		RedisURL:           envStr("REDIS_URL", "redis://localhost:6379/0"),
		QueueBackpressure:  envInt("BUGSPOTTER_QUEUE_BACKPRESSURE", 1000),
		JobTimeout:         envDuration("BUGSPOTTER_JOB_TIMEOUT", 5*time.Minute),
		WorkerConcurrency:  envInt("BUGSPOTTER_WORKER_CONCURRENCY", 2),
		ReplayChunkSize:    envInt("BUGSPOTTER_REPLAY_CHUNK_SIZE", 500),
		WorkerDrainTimeout: envDuration("BUGSPOTTER_WORKER_DRAIN_TIMEOUT", 30*time.Second),

		JWTSecret:        envStr("JWT_SECRET", ""),
		JWTExpiry:        envDuration("JWT_EXPIRES_IN", time.Hour),
		JWTRefreshExpiry: envDuration("JWT_REFRESH_EXPIRES_IN", 7*24*time.Hour),

		StorageBackend: envStr("STORAGE_BACKEND", "local"),
		StorageTimeout: envDuration("BUGSPOTTER_STORAGE_TIMEOUT", 30*time.Second),
		StorageBaseDir: envStr("STORAGE_BASE_DIR", "./data/storage"),
		StorageBaseURL: envStr("STORAGE_BASE_URL", "http://localhost:8080/storage"),

		S3Endpoint:       envStr("S3_ENDPOINT", ""),
		S3Region:         envStr("S3_REGION", "us-east-1"),
		S3Bucket:         envStr("S3_BUCKET", ""),
		S3AccessKeyID:    envStr("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:      envStr("AWS_SECRET_ACCESS_KEY", ""),
		S3ForcePathStyle: envBool("S3_FORCE_PATH_STYLE", false),
		S3SSE:            envStr("S3_SSE", ""),
		S3SSEKMSKeyID:    envStr("S3_SSE_KMS_KEY_ID", ""),
		S3StorageClass:   envStr("S3_STORAGE_CLASS", ""),

		RateLimitMax:    envInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: envDuration("RATE_LIMIT_TIME_WINDOW", time.Minute),

		RetentionSchedule: envStr("BUGSPOTTER_RETENTION_SCHEDULE", "0 2 * * *"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "bugspotter"),

		LogLevel: envStr("BUGSPOTTER_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET is required and must be at least 32 bytes")
	}
	switch c.StorageBackend {
	case "local":
		if c.StorageBaseDir == "" {
			return fmt.Errorf("config: STORAGE_BASE_DIR is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("config: S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config: STORAGE_BACKEND must be %q or %q (got %q)", "local", "s3", c.StorageBackend)
	}
	if c.DBPoolMin < 0 || c.DBPoolMax < 1 || c.DBPoolMin > c.DBPoolMax {
		return fmt.Errorf("config: invalid pool bounds min=%d max=%d", c.DBPoolMin, c.DBPoolMax)
	}
	if c.QueueBackpressure < 1 {
		return fmt.Errorf("config: BUGSPOTTER_QUEUE_BACKPRESSURE must be positive")
	}
	if c.ReplayChunkSize < 1 {
		return fmt.Errorf("config: BUGSPOTTER_REPLAY_CHUNK_SIZE must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envDuration accepts Go duration strings; bare integers are treated as
// milliseconds for compatibility with *_MS variable names.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
