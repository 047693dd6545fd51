// Package config loads runtime configuration from the environment
// (12-factor pattern). A .env file in the working directory is applied
// first when present.
package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for a local dev runtime.
const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 4002
	DefaultNetwork = "cronos-testnet"
)

// Config holds all settings for the server.
type Config struct {
	Host            string
	Port            int
	Network         string
	UpstreamTimeout time.Duration
	LogLevel        string
	Environment     string
}

// Load reads configuration from the environment with defaults. A missing
// .env file is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host:            getEnv("XDR_HOST", DefaultHost),
		Port:            getEnvInt("XDR_PORT", DefaultPort),
		Network:         getEnv("XDR_NETWORK", DefaultNetwork),
		UpstreamTimeout: getEnvDuration("XDR_UPSTREAM_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Environment:     getEnv("ENVIRONMENT", "development"),
	}
}

// Addr returns the host:port the server binds.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
