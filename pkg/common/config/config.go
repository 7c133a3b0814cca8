// Package config loads the server configuration from TRANSPO_*
// environment variables. Every variable is optional; malformed values
// are a startup error rather than a silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/transpo-project/transpo/pkg/common/logging"
)

// Config is the resolved server configuration.
type Config struct {
	MaxUploadAgeMinutes  uint64
	MaxUploadSizeBytes   uint64
	MaxStorageSizeBytes  uint64
	Port                 int
	StorageDir           string
	DatabaseURL          string
	ReadTimeout          time.Duration
	QuotaBytes           uint64
	QuotaIntervalMinutes uint64
	LogLevel             logging.Level
	LogFormat            logging.Format
}

// Default returns the built-in configuration: one-week uploads, 5 GB
// per upload, 100 GB of storage, quotas disabled, an in-memory
// metadata store.
func Default() *Config {
	return &Config{
		MaxUploadAgeMinutes:  7 * 24 * 60,
		MaxUploadSizeBytes:   5 * 1000 * 1000 * 1000,
		MaxStorageSizeBytes:  100 * 1000 * 1000 * 1000,
		Port:                 8123,
		StorageDir:           "./transpo_storage",
		DatabaseURL:          "memory://",
		ReadTimeout:          30 * time.Second,
		QuotaBytes:           0,
		QuotaIntervalMinutes: 60,
		LogLevel:             logging.InfoLevel,
		LogFormat:            logging.TextFormat,
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() (*Config, error) {
	c := Default()

	numeric := map[string]*uint64{
		"TRANSPO_MAX_UPLOAD_AGE_MINUTES": &c.MaxUploadAgeMinutes,
		"TRANSPO_MAX_UPLOAD_SIZE_BYTES":  &c.MaxUploadSizeBytes,
		"TRANSPO_MAX_STORAGE_SIZE_BYTES": &c.MaxStorageSizeBytes,
		"TRANSPO_QUOTA_BYTES":            &c.QuotaBytes,
		"TRANSPO_QUOTA_INTERVAL_MINUTES": &c.QuotaIntervalMinutes,
	}
	for name, field := range numeric {
		if v, ok := os.LookupEnv(name); ok {
			parsed, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("config: invalid %s: %w", name, err)
			}
			*field = parsed
		}
	}

	if v, ok := os.LookupEnv("TRANSPO_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("config: invalid TRANSPO_PORT: %q", v)
		}
		c.Port = port
	}

	if v, ok := os.LookupEnv("TRANSPO_READ_TIMEOUT_MILLISECONDS"); ok {
		ms, err := strconv.ParseUint(v, 10, 64)
		if err != nil || ms == 0 {
			return nil, fmt.Errorf("config: invalid TRANSPO_READ_TIMEOUT_MILLISECONDS: %q", v)
		}
		c.ReadTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := os.LookupEnv("TRANSPO_STORAGE_DIRECTORY"); ok {
		c.StorageDir = v
	}
	if v, ok := os.LookupEnv("TRANSPO_DATABASE_URL"); ok {
		c.DatabaseURL = v
	}

	if v, ok := os.LookupEnv("TRANSPO_LOG_LEVEL"); ok {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		c.LogLevel = level
	}
	if v, ok := os.LookupEnv("TRANSPO_LOG_FORMAT"); ok {
		switch v {
		case "text":
			c.LogFormat = logging.TextFormat
		case "json":
			c.LogFormat = logging.JSONFormat
		default:
			return nil, fmt.Errorf("config: invalid TRANSPO_LOG_FORMAT: %q", v)
		}
	}

	return c, nil
}

// MaxUploadAge returns the age cap as a duration.
func (c *Config) MaxUploadAge() time.Duration {
	return time.Duration(c.MaxUploadAgeMinutes) * time.Minute
}

// QuotaInterval returns the quota reset interval as a duration.
func (c *Config) QuotaInterval() time.Duration {
	return time.Duration(c.QuotaIntervalMinutes) * time.Minute
}

// QuotasEnabled reports whether per-peer quotas are configured.
func (c *Config) QuotasEnabled() bool {
	return c.QuotaBytes > 0
}
