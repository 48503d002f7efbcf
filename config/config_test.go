package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/campfire-engine/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "campfire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, config.Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, "./campfire.db", cfg.DB.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Duration(0), cfg.Holds.ExpireAfter)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
db:
  path: /var/lib/campfire.db
log:
  level: debug
holds:
  expire_after: 72h
  check_interval: 15m
auth:
  tokens:
    - token: secret-admin
      user_id: admin-1
      role: admin
    - token: secret-client
      user_id: client-1
      role: client
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/campfire.db", cfg.DB.Path)
	assert.Equal(t, 72*time.Hour, cfg.Holds.ExpireAfter)
	assert.Equal(t, 15*time.Minute, cfg.Holds.CheckInterval)
	require.Len(t, cfg.Auth.Tokens, 2)
	assert.Equal(t, config.TokenConfig{Token: "secret-client", UserID: "client-1", Role: "client"}, cfg.Auth.Tokens[1])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "db:\n  path: from-file.db\n")
	t.Setenv("CAMPFIRE_DB_PATH", "from-env.db")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DB.Path)
}

func TestLoad_InvalidFileIsRejected(t *testing.T) {
	path := writeConfig(t, "log:\n  level: chatty\n")

	_, err := config.Load(path)
	assert.ErrorContains(t, err, "log.level")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"port out of range", func(c *config.Config) { c.Server.Port = 70000 }, "server.port"},
		{"empty db path", func(c *config.Config) { c.DB.Path = "" }, "db.path"},
		{"negative expiry", func(c *config.Config) { c.Holds.ExpireAfter = -time.Hour }, "holds.expire_after"},
		{"expiry without interval", func(c *config.Config) {
			c.Holds.ExpireAfter = time.Hour
			c.Holds.CheckInterval = 0
		}, "holds.check_interval"},
		{"token without user", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{{Token: "x", Role: "admin"}}
		}, "auth.tokens[0]"},
		{"unknown role", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{{Token: "x", UserID: "u", Role: "owner"}}
		}, "unknown role"},
		{"duplicate token", func(c *config.Config) {
			c.Auth.Tokens = []config.TokenConfig{
				{Token: "x", UserID: "a", Role: "admin"},
				{Token: "x", UserID: "b", Role: "client"},
			}
		}, "duplicate token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, config.Default().Validate())
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := config.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := config.ParseLevel("trace")
	assert.Error(t, err)
}
