// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the fieldsync CLI configuration from a YAML file,
// FIELDSYNC_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_CLIENT_DB_PATH.
const EnvPrefix = "FIELDSYNC"

// Config is the complete CLI configuration
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig configures the on-device engine
type ClientConfig struct {
	DBPath          string        `mapstructure:"db_path"`
	RemoteURL       string        `mapstructure:"remote_url"`
	Token           string        `mapstructure:"token"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`
	BackoffMin      time.Duration `mapstructure:"backoff_min"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	ProbeInterval   time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
	LogStageTimings bool          `mapstructure:"log_stage_timings"`
}

// ServerConfig configures the reference records API
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseURL     string        `mapstructure:"database_url"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxPayloadSize  int           `mapstructure:"max_payload_size"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the slog handler and optional rotating file output
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text, json
	File       string `mapstructure:"file"`   // empty logs to stderr
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment overrides registered
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SetDefaults registers every key with its default so env overrides resolve
func SetDefaults(v *viper.Viper) {
	v.SetDefault("client.db_path", "fieldsync.db")
	v.SetDefault("client.remote_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.remote_timeout", 15*time.Second)
	v.SetDefault("client.backoff_min", time.Second)
	v.SetDefault("client.backoff_max", 60*time.Second)
	v.SetDefault("client.probe_interval", 10*time.Second)
	v.SetDefault("client.probe_timeout", 5*time.Second)
	v.SetDefault("client.log_stage_timings", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.database_url", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.max_conns", 20)
	v.SetDefault("server.max_payload_size", 1<<20)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load reads configFile (or fieldsync.yaml in the working directory when
// empty and present) into v and decodes the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the commands rely on
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q (want text or json)", c.Logging.Format)
	}
	if c.Client.BackoffMin <= 0 || c.Client.BackoffMax < c.Client.BackoffMin {
		return fmt.Errorf("invalid backoff range %s..%s", c.Client.BackoffMin, c.Client.BackoffMax)
	}
	if c.Client.RemoteTimeout <= 0 {
		return fmt.Errorf("client.remote_timeout must be positive")
	}
	if c.Server.MaxConns < 1 {
		return fmt.Errorf("server.max_conns must be >= 1")
	}
	return nil
}

// ParseLevel maps a level name to slog.Level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid logging.level %q", s)
	}
}
