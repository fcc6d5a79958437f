// Package config loads duochat settings from defaults, an optional YAML
// file and DUOCHAT_* environment variables.
package config

import (
	"fmt"
	"time"
)

// Backend names accepted by Store and Bus.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	BusLocal    = "local"
	BusNATS     = "nats"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Store string `mapstructure:"store" yaml:"store"` // memory | redis
	Bus   string `mapstructure:"bus" yaml:"bus"`     // local | nats

	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	NATS      NATSConfig      `mapstructure:"nats" yaml:"nats"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`

	RateLimit bool `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RedisConfig configures the shared store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// NATSConfig configures the shared notification bus.
type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// AuthConfig configures signed subscription grants.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret" yaml:"secret"`
	Issuer   string        `mapstructure:"issuer" yaml:"issuer"`
	GrantTTL time.Duration `mapstructure:"grant_ttl" yaml:"grant_ttl"`
}

// GatewayConfig configures the WebSocket push gateway.
type GatewayConfig struct {
	MaxConnections    int           `mapstructure:"max_connections" yaml:"max_connections"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// RelayConfig configures publish retries.
type RelayConfig struct {
	PublishTries  uint          `mapstructure:"publish_tries" yaml:"publish_tries"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxInterval   time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// LifecycleConfig configures the background sweeps.
type LifecycleConfig struct {
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	ReapInterval     time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	SessionRetention time.Duration `mapstructure:"session_retention" yaml:"session_retention"`
}

// Default returns configuration with reasonable starter defaults: a single
// process with in-memory state and an in-process bus.
func Default() Config {
	return Config{
		Addr:              ":8080",
		LogLevel:          "info",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Store:             StoreMemory,
		Bus:               BusLocal,
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Auth: AuthConfig{
			Issuer:   "duochat",
			GrantTTL: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			MaxConnections:    100000,
			MaxMessageBytes:   8 << 10,
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  10 * time.Second,
		},
		Relay: RelayConfig{
			PublishTries:  3,
			RetryInterval: 50 * time.Millisecond,
			MaxInterval:   time.Second,
		},
		Lifecycle: LifecycleConfig{
			CleanupInterval:  5 * time.Second,
			ReapInterval:     time.Minute,
			SessionRetention: 10 * time.Minute,
		},
		RateLimit: true,
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store %q (want %s or %s)", c.Store, StoreMemory, StoreRedis)
	}
	switch c.Bus {
	case BusLocal, BusNATS:
	default:
		return fmt.Errorf("config: unknown bus %q (want %s or %s)", c.Bus, BusLocal, BusNATS)
	}
	if c.Addr == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.Gateway.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: gateway.heartbeat_interval must be positive")
	}
	return nil
}
