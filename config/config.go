// Package config loads server configuration with Viper.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML
// file (campfire.yaml in the working directory, or the file given with
// --config), CAMPFIRE_* environment variables (server.port ->
// CAMPFIRE_SERVER_PORT), and command-line flags bound by cmd/server.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	DB      DBConfig      `mapstructure:"db"`
	Log     LogConfig     `mapstructure:"log"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Holds   HoldsConfig   `mapstructure:"holds"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CatalogConfig struct {
	// Path to a TOML catalog; empty uses the built-in one.
	Path string `mapstructure:"path"`
}

// HoldsConfig controls hold expiry. ExpireAfter == 0 disables it.
type HoldsConfig struct {
	ExpireAfter   time.Duration `mapstructure:"expire_after"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type AuthConfig struct {
	Tokens []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig maps a static bearer token to a user and role.
type TokenConfig struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
	Role   string `mapstructure:"role"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		DB:      DBConfig{Path: "./campfire.db"},
		Log:     LogConfig{Level: "info"},
		Holds:   HoldsConfig{ExpireAfter: 0, CheckInterval: time.Hour},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// New returns a Viper instance with defaults, env binding and the config
// file location set. Callers may bind flags before passing it to Read.
func New(configFile string) *viper.Viper {
	d := Default()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("campfire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("db.path", d.DB.Path)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("holds.expire_after", d.Holds.ExpireAfter)
	v.SetDefault("holds.check_interval", d.Holds.CheckInterval)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)

	v.SetEnvPrefix("CAMPFIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Read loads the config file (if any) and decodes the result.
// A missing default file is not an error; a missing explicit file is.
func Read(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is New followed by Read.
func Load(configFile string) (Config, error) {
	return Read(New(configFile))
}

// Validate checks value ranges and token roles.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.DB.Path == "" {
		return errors.New("db.path: must not be empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Holds.ExpireAfter < 0 {
		return errors.New("holds.expire_after: must not be negative")
	}
	if c.Holds.ExpireAfter > 0 && c.Holds.CheckInterval <= 0 {
		return errors.New("holds.check_interval: must be positive when hold expiry is enabled")
	}
	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Token == "" || t.UserID == "" {
			return fmt.Errorf("auth.tokens[%d]: token and user_id are required", i)
		}
		switch t.Role {
		case "client", "contractor", "admin":
		default:
			return fmt.Errorf("auth.tokens[%d]: unknown role %q", i, t.Role)
		}
		if seen[t.Token] {
			return fmt.Errorf("auth.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level: unknown level %q", s)
}
