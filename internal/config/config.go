// Package config provides environment-aware configuration management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Env Environment

	// HTTP API
	HTTPAddr string

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Queue / orchestrator defaults
	DefaultRepeatCount int
	SplitExecution     bool

	// Scheduler
	ScheduleHistoryLimit int

	// MJPEG streaming (one port per live device preview, §6)
	MJPEGBasePort int
	MJPEGMaxPorts int

	// Artifacts (screenshots/videos/reports written by the external
	// storage collaborator; this module only needs the root to build
	// paths it hands back in reports).
	ArtifactRoot string

	// Websocket
	WebsocketReadBufferSize  int
	WebsocketWriteBufferSize int

	// Features
	EnableDebugEndpoints bool
	TestMode             bool
}

// Load loads configuration based on the ORCHESTRATOR_ENV environment
// variable, optionally layering a config/<env>.env file underneath the real
// environment.
func Load() (*Config, error) {
	envStr := os.Getenv("ORCHESTRATOR_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid ORCHESTRATOR_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(s)) {
	case Development:
		return Development, true
	case Testing:
		return Testing, true
	case Production:
		return Production, true
	default:
		return "", false
	}
}

func (c *Config) loadFromEnv() error {
	c.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")
	c.LogOutput = getEnv("LOG_OUTPUT", "stdout")

	c.DefaultRepeatCount = getIntEnv("DEFAULT_REPEAT_COUNT", 1)
	c.SplitExecution = getBoolEnv("SPLIT_EXECUTION_ENABLED", true)

	c.ScheduleHistoryLimit = getIntEnv("SCHEDULE_HISTORY_LIMIT", 100)

	c.MJPEGBasePort = getIntEnv("MJPEG_BASE_PORT", 9500)
	c.MJPEGMaxPorts = getIntEnv("MJPEG_MAX_PORTS", 64)

	c.ArtifactRoot = getEnv("ARTIFACT_ROOT", "artifacts")

	c.WebsocketReadBufferSize = getIntEnv("WS_READ_BUFFER_SIZE", 1024)
	c.WebsocketWriteBufferSize = getIntEnv("WS_WRITE_BUFFER_SIZE", 1024)

	c.EnableDebugEndpoints = getBoolEnv("ENABLE_DEBUG_ENDPOINTS", false)
	c.TestMode = getBoolEnv("TEST_MODE", false)

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.EnableDebugEndpoints {
			return fmt.Errorf("ENABLE_DEBUG_ENDPOINTS must be false in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
	}

	if c.MJPEGMaxPorts < 1 {
		return fmt.Errorf("MJPEG_MAX_PORTS must be at least 1")
	}
	if c.MJPEGBasePort+c.MJPEGMaxPorts > 65535 {
		return fmt.Errorf("MJPEG port range exceeds 65535")
	}
	if c.DefaultRepeatCount < 1 {
		return fmt.Errorf("DEFAULT_REPEAT_COUNT must be at least 1")
	}
	if c.ScheduleHistoryLimit < 1 {
		return fmt.Errorf("SCHEDULE_HISTORY_LIMIT must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
