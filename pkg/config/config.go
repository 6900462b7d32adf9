// Package config loads anchoring service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string

	HandoffBackend string
	RedisAddr      string
	RedisPassword  string
	RedisStream    string

	LedgerRPCURL       string
	LedgerCommand      string
	LedgerQueryTimeout time.Duration
	LedgerRPS          int

	BatchSize        int
	BatchTimeout     time.Duration
	BatchStreamScope string

	ConfirmInterval    time.Duration
	ConfirmBatch       int
	ConfirmMaxRetries  int
	ConfirmRequired    int64
	ConfirmParallelism int

	DLQMaxAttempts   int
	DLQSweepInterval time.Duration

	TiersFile string

	ArchiveStorageType string
	DataDir            string
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3Prefix    string
	ArchiveGCSBucket   string
	ArchiveGCSPrefix   string

	OTelEnabled  bool
	OTelEndpoint string

	APIRPS   int
	APIBurst int
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	c := &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseDriver: getenv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenv("DATABASE_URL", "file:anchor.db?_pragma=busy_timeout(5000)"),

		HandoffBackend: getenv("HANDOFF_BACKEND", "sql"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisStream:    getenv("REDIS_STREAM", "anchor:handoff"),

		LedgerRPCURL:  os.Getenv("LEDGER_RPC_URL"),
		LedgerCommand: os.Getenv("LEDGER_COMMAND"),

		BatchStreamScope: getenv("BATCH_STREAM_SCOPE", "tenant"),

		TiersFile: os.Getenv("TIERS_FILE"),

		ArchiveStorageType: getenv("ARCHIVE_STORAGE_TYPE", "fs"),
		DataDir:            getenv("DATA_DIR", "data"),
		ArchiveS3Bucket:    os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveS3Region:    getenv("ARCHIVE_S3_REGION", getenv("AWS_REGION", "us-east-1")),
		ArchiveS3Endpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchiveS3Prefix:    os.Getenv("ARCHIVE_S3_PREFIX"),
		ArchiveGCSBucket:   os.Getenv("ARCHIVE_GCS_BUCKET"),
		ArchiveGCSPrefix:   os.Getenv("ARCHIVE_GCS_PREFIX"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if c.LedgerQueryTimeout, err = durationEnv("LEDGER_QUERY_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.LedgerRPS, err = intEnv("LEDGER_RPS", 20); err != nil {
		return nil, err
	}
	if c.BatchSize, err = intEnv("BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if c.BatchTimeout, err = durationEnv("BATCH_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if c.ConfirmInterval, err = durationEnv("CONFIRM_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if c.ConfirmBatch, err = intEnv("CONFIRM_BATCH", 50); err != nil {
		return nil, err
	}
	if c.ConfirmMaxRetries, err = intEnv("CONFIRM_MAX_RETRIES", 100); err != nil {
		return nil, err
	}
	required, err := intEnv("CONFIRM_REQUIRED", 1)
	if err != nil {
		return nil, err
	}
	c.ConfirmRequired = int64(required)
	if c.ConfirmParallelism, err = intEnv("CONFIRM_PARALLELISM", 8); err != nil {
		return nil, err
	}
	if c.DLQMaxAttempts, err = intEnv("DLQ_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if c.DLQSweepInterval, err = durationEnv("DLQ_SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	if c.APIRPS, err = intEnv("API_RPS", 50); err != nil {
		return nil, err
	}
	if c.APIBurst, err = intEnv("API_BURST", 100); err != nil {
		return nil, err
	}

	if c.BatchStreamScope != "tenant" && c.BatchStreamScope != "global" {
		return nil, fmt.Errorf("BATCH_STREAM_SCOPE must be tenant or global, got %q", c.BatchStreamScope)
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
