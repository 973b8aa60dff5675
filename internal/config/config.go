// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all engine settings
type Config struct {
	DataDir       string
	DBPath        string
	WorkerCommand string
	Port          int
	WebhookURL    string
	LogLevel      string

	// SettleDelay is the pause between a job's terminal event and the
	// next queue pull.
	SettleDelay time.Duration
	// StaleThreshold is how old a running task must be before the
	// startup sweep declares it stuck.
	StaleThreshold time.Duration
	// LogRetention is the horizon for the nightly task-log prune.
	LogRetention time.Duration
}

// Load reads configuration from the environment, applying defaults
func Load() (*Config, error) {
	dataDir := os.Getenv("XHS_HELPER_DATA")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".xhs-helper")
	}

	cfg := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "helper.db"),
		WorkerCommand:  envOr("XHS_HELPER_WORKER", "xhs-worker"),
		Port:           8080,
		WebhookURL:     os.Getenv("XHS_HELPER_WEBHOOK"),
		LogLevel:       envOr("XHS_HELPER_LOG_LEVEL", "info"),
		SettleDelay:    500 * time.Millisecond,
		StaleThreshold: 10 * time.Minute,
		LogRetention:   30 * 24 * time.Hour,
	}

	if portStr := os.Getenv("XHS_HELPER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid XHS_HELPER_PORT: %w", err)
		}
		cfg.Port = port
	}
	if d, err := envDuration("XHS_HELPER_SETTLE_DELAY"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.SettleDelay = d
	}
	if d, err := envDuration("XHS_HELPER_STALE_THRESHOLD"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.StaleThreshold = d
	}
	if d, err := envDuration("XHS_HELPER_LOG_RETENTION"); err != nil {
		return nil, err
	} else if d > 0 {
		cfg.LogRetention = d
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// NewLogger builds the engine logger with JSON output
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
