package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	DataDir        string
	LogLevel       string
	RootfsStrategy string
	LayerDigest    string
	ImportMaxSize  datasize.ByteSize
	StopTimeout    time.Duration

	// OpenTelemetry metric export; disabled without an endpoint
	OtelEndpoint string
	OtelInsecure bool

	// Version is the binary's build version, set by the CLI rather than the environment
	Version string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() (*Config, error) {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:        getEnv("JOCKER_DATA_DIR", "/var/lib/jocker"),
		LogLevel:       getEnv("JOCKER_LOG_LEVEL", "info"),
		RootfsStrategy: getEnv("JOCKER_ROOTFS_STRATEGY", "copy"),
		LayerDigest:    getEnv("JOCKER_LAYER_DIGEST", "sha256"),
		OtelEndpoint:   getEnv("JOCKER_OTEL_ENDPOINT", ""),
	}

	if err := cfg.ImportMaxSize.UnmarshalText([]byte(getEnv("JOCKER_IMPORT_MAX_SIZE", "8GB"))); err != nil {
		return nil, fmt.Errorf("JOCKER_IMPORT_MAX_SIZE: %w", err)
	}

	timeout, err := time.ParseDuration(getEnv("JOCKER_STOP_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("JOCKER_STOP_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("JOCKER_STOP_TIMEOUT: must be positive, got %s", timeout)
	}
	cfg.StopTimeout = timeout

	insecure, err := strconv.ParseBool(getEnv("JOCKER_OTEL_INSECURE", "false"))
	if err != nil {
		return nil, fmt.Errorf("JOCKER_OTEL_INSECURE: %w", err)
	}
	cfg.OtelInsecure = insecure

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
