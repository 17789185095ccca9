// Package server provides the environment-driven configuration for the
// relay, with defaults and sanitization applied before anything consumes it.
package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateLimitConfig defines per-connection message throttling.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// RedisConfig locates the optional room bridge. An empty Addr disables it.
type RedisConfig struct {
	Addr string
	DB   int
}

// Config holds all runtime settings for the relay.
type Config struct {
	Host              string
	Port              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	MaxConnections    int
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	RateLimit         RateLimitConfig
	Redis             RedisConfig
}

func defaultConfig() *Config {
	return &Config{
		Host:              "",
		Port:              "8080",
		AllowedOrigins:    []string{"http://localhost:8080"},
		MaxMessageSize:    1024 * 1024,
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
	}
}

// NewConfig returns a Config populated with defaults, sanitized and ready
// for use.
func NewConfig() *Config {
	return defaultConfig().sanitize()
}

// NewConfigFromEnv builds a Config from environment variables, falling back
// to defaults for anything unset or unparseable.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = strings.TrimPrefix(port, ":")
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitCSV(origins)
	}
	if v := os.Getenv("MAX_MESSAGE_SIZE"); v != "" {
		cfg.MaxMessageSize = parseInt64(v, cfg.MaxMessageSize)
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		cfg.MaxConnections = parseInt(v, cfg.MaxConnections)
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = parseSeconds(v, cfg.HeartbeatInterval)
	}
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		cfg.ShutdownTimeout = parseSeconds(v, cfg.ShutdownTimeout)
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		cfg.RateLimit.Burst = parseInt(v, cfg.RateLimit.Burst)
	}
	if v := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); v != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(v, cfg.RateLimit.RefillInterval)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.Redis.DB = parseInt(v, cfg.Redis.DB)
	}

	return cfg.sanitize()
}

// sanitize clamps nonsensical values back to defaults. It returns the
// receiver for chaining.
func (c *Config) sanitize() *Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	return c
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// BridgeEnabled reports whether a Redis room bridge should be started.
func (c *Config) BridgeEnabled() bool {
	return c.Redis.Addr != ""
}

func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseInt(v string, fallback int) int {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

func parseInt64(v string, fallback int64) int64 {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		return n
	}
	return fallback
}

func parseSeconds(v string, fallback time.Duration) time.Duration {
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
