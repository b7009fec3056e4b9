// Package config loads the YAML configuration for the motionstream
// server: listener addresses, session defaults, animator registration,
// logging, metrics, and audit storage.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/motionstream/motionstream/pkg/logging"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Animators AnimatorsConfig `yaml:"animators"`
	Logging   logging.Config  `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig describes the HTTP/gRPC listener surface.
type ServerConfig struct {
	HTTPPort       int    `yaml:"http_port"`
	GRPCPort       int    `yaml:"grpc_port"`
	Host           string `yaml:"host"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	MaxConnections int    `yaml:"max_connections"`
}

// SessionsConfig carries the defaults used to build session.Config.
type SessionsConfig struct {
	TargetFPS             int    `yaml:"target_fps"`
	InitTimeout           string `yaml:"init_timeout"`
	CloseGracePeriod      string `yaml:"close_grace_period"`
	SubscriberSendTimeout string `yaml:"subscriber_send_timeout"`
	WorkerPoolSize        int    `yaml:"worker_pool_size"`
}

// AnimatorsConfig selects which animator kinds are registered and
// whether the registry hot-reloads its backing directory.
type AnimatorsConfig struct {
	Enabled   []string `yaml:"enabled"`
	WatchDir  string   `yaml:"watch_dir"`
	HotReload bool     `yaml:"hot_reload"`
}

// MetricsConfig controls the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AuditConfig selects the audit store's backing database.
type AuditConfig struct {
	Enabled bool            `yaml:"enabled"`
	Driver  string          `yaml:"driver"` // sqlite, mysql, postgres
	DSN     string          `yaml:"dsn"`
	Pool    AuditPoolConfig `yaml:"pool"`
}

// AuditPoolConfig mirrors the connection-pool shape used across the
// psubacz-dungeongate database drivers.
type AuditPoolConfig struct {
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// Load reads and parses a YAML config file, expanding environment
// variables first.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config populated with sane defaults, used both as
// the unmarshal target (so unset fields keep their default) and as a
// standalone zero-config fallback.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       8080,
			GRPCPort:       9090,
			Host:           "0.0.0.0",
			ReadTimeout:    "10s",
			WriteTimeout:   "10s",
			MaxConnections: 1000,
		},
		Sessions: SessionsConfig{
			TargetFPS:             60,
			InitTimeout:           "10s",
			CloseGracePeriod:      "2s",
			SubscriberSendTimeout: "267ms",
			WorkerPoolSize:        8,
		},
		Animators: AnimatorsConfig{
			Enabled:   []string{"clip"},
			HotReload: false,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9091,
		},
		Audit: AuditConfig{
			Enabled: true,
			Driver:  "sqlite",
			DSN:     "./data/motionstream-audit.db",
			Pool: AuditPoolConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: "1h",
			},
		},
	}
}

// ParseDuration parses a duration string with a fallback on error.
func ParseDuration(durationStr string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(durationStr); err == nil {
		return d
	}
	return fallback
}
