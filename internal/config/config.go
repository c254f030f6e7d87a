// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config represents the application configuration
type Config struct {
	KonomiTVAPIURL string `env:"KONOMITV_API_URL,required"`
	ServerPort     string `env:"SERVER_PORT" envDefault:"8080"`
	AgentPort      string `env:"AGENT_PORT" envDefault:"8081"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver  string `env:"STORE_DRIVER" envDefault:"sqlite"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"offline-cache.db"`
	BadgerPath   string `env:"BADGER_PATH" envDefault:"offline-cache.badger"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	CacheNamePrefix string `env:"CACHE_NAME_PREFIX" envDefault:"konomitv-offline-video-"`

	LockTimeout           time.Duration `env:"LOCK_TIMEOUT" envDefault:"10s"`
	LockHeartbeatInterval time.Duration `env:"LOCK_HEARTBEAT_INTERVAL" envDefault:"5s"`
	LockSweepInterval     time.Duration `env:"LOCK_SWEEP_INTERVAL" envDefault:"1m"`

	SegmentMaxRetries int           `env:"SEGMENT_MAX_RETRIES" envDefault:"9"`
	SegmentRetryDelay time.Duration `env:"SEGMENT_RETRY_DELAY" envDefault:"5s"`
	SegmentTimeout    time.Duration `env:"SEGMENT_TIMEOUT" envDefault:"20s"`

	PartialTargetServiceIDs []int `env:"PARTIAL_TARGET_SERVICE_IDS" envSeparator:","`
	PartialTargetPercent    int   `env:"PARTIAL_TARGET_PERCENT" envDefault:"80"`

	ResumeHitThreshold int `env:"RESUME_HIT_THRESHOLD" envDefault:"10"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.KonomiTVAPIURL == "" {
		return fmt.Errorf("KONOMITV_API_URL is required")
	}
	u, err := url.Parse(c.KonomiTVAPIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("KONOMITV_API_URL must be an absolute http(s) URL, got: %s", c.KonomiTVAPIURL)
	}
	c.KonomiTVAPIURL = strings.TrimSuffix(c.KonomiTVAPIURL, "/")

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	logLevel := strings.ToLower(c.LogLevel)
	isValidLevel := false
	for _, level := range validLogLevels {
		if logLevel == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("invalid LOG_LEVEL %q, must be one of: %v", c.LogLevel, validLogLevels)
	}

	switch c.StoreDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH cannot be empty")
		}
	case DriverBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH cannot be empty")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q, must be %q or %q", c.StoreDriver, DriverSQLite, DriverBadger)
	}

	if c.CacheNamePrefix == "" {
		return fmt.Errorf("CACHE_NAME_PREFIX cannot be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got: %s", c.LockTimeout)
	}
	if c.LockHeartbeatInterval <= 0 || c.LockHeartbeatInterval >= c.LockTimeout {
		return fmt.Errorf("LOCK_HEARTBEAT_INTERVAL must be positive and shorter than LOCK_TIMEOUT, got: %s", c.LockHeartbeatInterval)
	}
	if c.LockSweepInterval <= 0 {
		return fmt.Errorf("LOCK_SWEEP_INTERVAL must be positive, got: %s", c.LockSweepInterval)
	}
	if c.SegmentMaxRetries < 0 {
		return fmt.Errorf("SEGMENT_MAX_RETRIES cannot be negative, got: %d", c.SegmentMaxRetries)
	}
	if c.SegmentRetryDelay < 0 {
		return fmt.Errorf("SEGMENT_RETRY_DELAY cannot be negative, got: %s", c.SegmentRetryDelay)
	}
	if c.SegmentTimeout <= 0 {
		return fmt.Errorf("SEGMENT_TIMEOUT must be positive, got: %s", c.SegmentTimeout)
	}
	if c.PartialTargetPercent < 1 || c.PartialTargetPercent > 100 {
		return fmt.Errorf("PARTIAL_TARGET_PERCENT must be between 1 and 100, got: %d", c.PartialTargetPercent)
	}
	if c.ResumeHitThreshold < 1 {
		return fmt.Errorf("RESUME_HIT_THRESHOLD must be at least 1, got: %d", c.ResumeHitThreshold)
	}

	return nil
}

// StorePath returns the location of the configured store
func (c *Config) StorePath() string {
	if c.StoreDriver == DriverBadger {
		return c.BadgerPath
	}
	return c.DatabasePath
}
