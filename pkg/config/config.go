/*
 * Copyright (c) 2025, the asset-manager maintainers.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variables used to configure the
// asset manager. AMGR_MANAGER_SERVER_API__PORT maps to manager.server.api_port.
const EnvPrefix = "AMGR_"

// Config holds all configuration for the asset manager
type Config struct {
	Manager Manager `koanf:"manager"`
}

// Manager holds the main configuration sections for the asset manager
type Manager struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Identity IdentityConfig `koanf:"identity"`
	Gateway  GatewayConfig  `koanf:"gateway"`
}

// ServerConfig holds HTTP server configuration. The API port carries the
// admin REST surface and the gateway WebSocket endpoint.
type ServerConfig struct {
	APIPort         int           `koanf:"api_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds storage-related configuration
type StorageConfig struct {
	Type     string         `koanf:"type"` // "sqlite", "postgres", or "memory"
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Postgres PostgresConfig `koanf:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `koanf:"path"` // Path to SQLite database file
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"sslmode"`
}

// DSN builds the connection string for the pgx driver
func (p PostgresConfig) DSN() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, sslMode)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // "debug", "info", "warn", "error"
	Format string `koanf:"format"` // "json" (default) or "console"
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// IdentityConfig holds the embedded identity provider configuration
type IdentityConfig struct {
	// SigningKey signs the service-user access tokens. Generated at startup
	// when empty; set it when running more than one manager instance.
	SigningKey string `koanf:"signing_key"`

	// TokenTTL is the lifetime of issued access tokens
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// GatewayConfig holds gateway synchronization configuration
type GatewayConfig struct {
	// SyncBatchSize is the number of mirrored assets fetched per batch
	// during the initial synchronization exchange
	SyncBatchSize int `koanf:"sync_batch_size"`

	// InboundQueueSize bounds the per-gateway inbound event queue
	InboundQueueSize int `koanf:"inbound_queue_size"`

	// ResponseTimeout bounds how long a pending request waits for its
	// correlated response
	ResponseTimeout time.Duration `koanf:"response_timeout"`

	// ForwardTimeout bounds a forwarded asset mutation awaiting the
	// gateway's confirmation
	ForwardTimeout time.Duration `koanf:"forward_timeout"`

	// WriteTimeout bounds a single WebSocket frame write
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ReconnectInitial is the first retry delay after a dropped
	// gateway-client connection; doubles up to ReconnectMax
	ReconnectInitial time.Duration `koanf:"reconnect_initial"`
	ReconnectMax     time.Duration `koanf:"reconnect_max"`
}

// LoadConfig loads configuration from file, environment variables, and defaults
// Priority: Environment variables > Config file > Defaults
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// AMGR_MANAGER_GATEWAY_SYNC__BATCH__SIZE -> manager.gateway.sync_batch_size
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a Config struct with default configuration values
func DefaultConfig() *Config {
	return &Config{
		Manager: Manager{
			Server: ServerConfig{
				APIPort:         8080,
				ShutdownTimeout: 15 * time.Second,
			},
			Storage: StorageConfig{
				Type: "sqlite",
				SQLite: SQLiteConfig{
					Path: "./data/asset-manager.db",
				},
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Metrics: MetricsConfig{
				Enabled: false,
				Port:    9091,
			},
			Identity: IdentityConfig{
				TokenTTL: 5 * time.Minute,
			},
			Gateway: GatewayConfig{
				SyncBatchSize:    20,
				InboundQueueSize: 10000,
				ResponseTimeout:  10 * time.Second,
				ForwardTimeout:   5 * time.Second,
				WriteTimeout:     5 * time.Second,
				ReconnectInitial: 2 * time.Second,
				ReconnectMax:     60 * time.Second,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	m := &c.Manager

	switch m.Storage.Type {
	case "sqlite":
		if m.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required when storage.type is 'sqlite'")
		}
	case "postgres":
		if m.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.host is required when storage.type is 'postgres'")
		}
		if m.Storage.Postgres.Database == "" {
			return fmt.Errorf("storage.postgres.database is required when storage.type is 'postgres'")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.type must be one of: sqlite, postgres, memory, got: %s", m.Storage.Type)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(m.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got: %s", m.Logging.Level)
	}
	if m.Logging.Format != "json" && m.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be either 'json' or 'console', got: %s", m.Logging.Format)
	}

	if m.Server.APIPort < 1 || m.Server.APIPort > 65535 {
		return fmt.Errorf("server.api_port must be between 1 and 65535, got: %d", m.Server.APIPort)
	}
	if m.Metrics.Enabled {
		if m.Metrics.Port < 1 || m.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", m.Metrics.Port)
		}
		if m.Metrics.Port == m.Server.APIPort {
			return fmt.Errorf("metrics.port cannot be same as server.api_port")
		}
	}

	if m.Identity.TokenTTL <= 0 {
		return fmt.Errorf("identity.token_ttl must be positive, got: %s", m.Identity.TokenTTL)
	}

	return c.validateGatewayConfig()
}

func (c *Config) validateGatewayConfig() error {
	g := &c.Manager.Gateway

	if g.SyncBatchSize <= 0 {
		return fmt.Errorf("gateway.sync_batch_size must be positive, got: %d", g.SyncBatchSize)
	}
	if g.InboundQueueSize <= 0 {
		return fmt.Errorf("gateway.inbound_queue_size must be positive, got: %d", g.InboundQueueSize)
	}
	if g.ResponseTimeout <= 0 {
		return fmt.Errorf("gateway.response_timeout must be positive, got: %s", g.ResponseTimeout)
	}
	if g.ForwardTimeout <= 0 {
		return fmt.Errorf("gateway.forward_timeout must be positive, got: %s", g.ForwardTimeout)
	}
	if g.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be positive, got: %s", g.WriteTimeout)
	}
	if g.ReconnectInitial <= 0 {
		return fmt.Errorf("gateway.reconnect_initial must be positive, got: %s", g.ReconnectInitial)
	}
	if g.ReconnectMax <= 0 {
		return fmt.Errorf("gateway.reconnect_max must be positive, got: %s", g.ReconnectMax)
	}
	if g.ReconnectInitial > g.ReconnectMax {
		return fmt.Errorf("gateway.reconnect_initial (%s) must be <= gateway.reconnect_max (%s)",
			g.ReconnectInitial, g.ReconnectMax)
	}
	return nil
}

// IsPersistentMode returns true if storage type is not memory
func (c *Config) IsPersistentMode() bool {
	return c.Manager.Storage.Type != "memory"
}
