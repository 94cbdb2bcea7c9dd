// Package gateway wires the registry, router, ledger, catalog, events,
// and auth layers into one running service with a consumer HTTP API and
// the provider websocket endpoint.
package gateway

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration
type Config struct {
	// Host is the listen address
	Host string `yaml:"host"`

	// Port is the port the HTTP/WebSocket server listens on
	Port int `yaml:"port"`

	// DataDir holds the sqlite databases (ledger, jobs, keys)
	DataDir string `yaml:"data_dir"`

	// RedisAddr enables the Redis event mirror when non-empty
	RedisAddr string `yaml:"redis_addr"`

	// RedisPassword authenticates the Redis connection
	RedisPassword string `yaml:"redis_password"`

	// SettlementURL enables deposit/payout notifications when non-empty
	SettlementURL string `yaml:"settlement_url"`

	// MarkupPercent is the platform's cut of each committed job price
	MarkupPercent int `yaml:"markup_percent"`

	// JobTimeout bounds a job's lifetime after dispatch
	JobTimeout time.Duration `yaml:"job_timeout"`

	// SweepInterval is how often dead provider sessions are collected
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DeadAfter is how long a silent provider session stays alive
	DeadAfter time.Duration `yaml:"dead_after"`

	// MaxConnections caps concurrent provider sessions
	MaxConnections int `yaml:"max_connections"`

	// RateLimitRPS is the rate limit in connection attempts per second per IP
	RateLimitRPS float64 `yaml:"rate_limit_rps"`

	// RateLimitBurst is the burst limit for rate limiting
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// SessionTTL is the consumer session token lifetime
	SessionTTL time.Duration `yaml:"session_ttl"`

	// Debug enables verbose debug logging
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:           getEnvOrDefault("CLAWGATE_HOST", "0.0.0.0"),
		Port:           getEnvInt("CLAWGATE_PORT", 8190),
		DataDir:        getEnvOrDefault("CLAWGATE_DATA_DIR", defaultDataDir()),
		RedisAddr:      getEnvOrDefault("CLAWGATE_REDIS_ADDR", ""),
		RedisPassword:  getEnvOrDefault("CLAWGATE_REDIS_PASSWORD", ""),
		SettlementURL:  getEnvOrDefault("CLAWGATE_SETTLEMENT_URL", ""),
		MarkupPercent:  getEnvInt("CLAWGATE_MARKUP_PERCENT", 20),
		JobTimeout:     time.Duration(getEnvInt("CLAWGATE_JOB_TIMEOUT", 300)) * time.Second,
		SweepInterval:  time.Duration(getEnvInt("CLAWGATE_SWEEP_INTERVAL", 10)) * time.Second,
		DeadAfter:      time.Duration(getEnvInt("CLAWGATE_DEAD_AFTER", 30)) * time.Second,
		MaxConnections: getEnvInt("CLAWGATE_MAX_CONNECTIONS", 1000),
		RateLimitRPS:   5.0,
		RateLimitBurst: 10,
		SessionTTL:     time.Duration(getEnvInt("CLAWGATE_SESSION_TTL", 720)) * time.Minute,
		Debug:          getEnvBool("CLAWGATE_DEBUG", false),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawgate"
	}
	return home + "/.clawgate"
}

// LoadFile overlays yaml settings from path onto the config.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.DataDir == "" {
		return ErrMissingDataDir
	}
	if c.MarkupPercent < 0 || c.MarkupPercent >= 100 {
		return ErrInvalidMarkup
	}
	if c.JobTimeout < time.Second {
		return ErrInvalidJobTimeout
	}
	if c.MaxConnections < 1 {
		return ErrInvalidMaxConnections
	}
	return nil
}
