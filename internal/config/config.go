// Package config provides configuration loading for the bridge.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultGatewayBase is the upstream gateway used when nothing else is configured.
const DefaultGatewayBase = "https://intervals.stas.run/gw"

// Environment overrides, applied after the config file.
const (
	EnvGatewayBase = "BRIDGE_BASE"
	EnvHost        = "HOST"
	EnvPort        = "PORT"
	EnvLogLevel    = "BRIDGE_LOG_LEVEL"
)

// Config represents the complete bridge configuration
type Config struct {
	Gateway Gateway `yaml:"gateway"`
	Server  Server  `yaml:"server"`
	Log     Log     `yaml:"log"`
}

// Gateway configures the upstream REST client
type Gateway struct {
	// BaseURL is the gateway root; request paths are appended to it.
	BaseURL string `yaml:"base_url"`
	// ConnectTimeout bounds TCP connect + TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds a single attempt end to end.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Retry          Retry         `yaml:"retry"`
	RateLimit      RateLimit     `yaml:"rate_limit"`
}

// Retry configures the attempt budget and backoff schedule
type Retry struct {
	Attempts int             `yaml:"attempts"`
	Backoff  []time.Duration `yaml:"backoff"`
}

// RateLimit configures the outgoing request limiter
type RateLimit struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// Server configures the inbound HTTP listener
type Server struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	SSEHeartbeat    time.Duration `yaml:"sse_heartbeat"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log configures the process logger
type Log struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Gateway: Gateway{
			BaseURL:        DefaultGatewayBase,
			ConnectTimeout: 2 * time.Second,
			RequestTimeout: 5 * time.Second,
			Retry: Retry{
				Attempts: 3,
				Backoff:  []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second},
			},
			RateLimit: RateLimit{
				PerMinute: 600,
				Burst:     10,
			},
		},
		Server: Server{
			Host:            "0.0.0.0",
			Port:            "8000",
			SSEHeartbeat:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fileCfg
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvGatewayBase)); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		c.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		c.Server.Port = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	base := strings.TrimSpace(c.Gateway.BaseURL)
	if base == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("gateway.base_url must be an absolute URL, got %q", base)
	}
	if c.Gateway.Retry.Attempts < 1 {
		return fmt.Errorf("gateway.retry.attempts must be at least 1")
	}
	for _, d := range c.Gateway.Retry.Backoff {
		if d < 0 {
			return fmt.Errorf("gateway.retry.backoff entries must not be negative")
		}
	}
	if c.Gateway.RequestTimeout <= 0 {
		return fmt.Errorf("gateway.request_timeout must be positive")
	}
	if c.Gateway.RateLimit.PerMinute < 0 || c.Gateway.RateLimit.Burst < 0 {
		return fmt.Errorf("gateway.rate_limit values must not be negative")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (s Server) Addr() string {
	return s.Host + ":" + s.Port
}
