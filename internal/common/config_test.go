package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpdash.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Client.Reconnect.MaxAttempts)
	assert.Equal(t, 1.5, cfg.Client.Reconnect.Multiplier)
	assert.Equal(t, "500ms", cfg.Client.Poller.Interval)
	assert.True(t, cfg.Storage.Badger.InMemory)
}

func TestLoadFromFiles_LaterFileWins(t *testing.T) {
	base := writeConfig(t, `
[server]
port = 9000

[client.poller]
failure_ceiling = 3
scan_budget = "10m"
`)
	override := writeConfig(t, `
[server]
port = 9100
`)

	cfg, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Client.Poller.FailureCeiling)
	assert.Equal(t, "10m", cfg.Client.Poller.ScanBudget)
	// untouched defaults survive
	assert.Equal(t, "2s", cfg.Client.Poller.ScanInterval)
}

func TestLoadFromFiles_EnvOverridesFiles(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "warn"
`)
	t.Setenv("MCPDASH_LOG_LEVEL", "debug")
	t.Setenv("MCPDASH_SERVER_URL", "https://jobs.example.com")
	t.Setenv("MCPDASH_RECONNECT_MAX_ATTEMPTS", "7")

	cfg, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://jobs.example.com", cfg.Client.ServerURL)
	assert.Equal(t, 7, cfg.Client.Reconnect.MaxAttempts)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = LoadFromFiles(writeConfig(t, "[server\nport = 1"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad duration", func(c *Config) { c.Client.Poller.Interval = "soon" }},
		{"bad schedule", func(c *Config) { c.Client.Registry.GCSchedule = "every now and then" }},
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }},
		{"zero attempts", func(c *Config) { c.Client.Reconnect.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Client.Reconnect.Multiplier = 0.5 }},
		{"missing server url", func(c *Config) { c.Client.ServerURL = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestChannelURL(t *testing.T) {
	c := ClientConfig{ServerURL: "https://jobs.example.com/api/", Channel: ChannelConfig{Path: "/ws"}}
	u, err := c.ChannelURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://jobs.example.com/api/ws", u)

	c = ClientConfig{ServerURL: "http://localhost:8085"}
	u, err = c.ChannelURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8085/ws", u)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, NewDefaultConfig().Client.Cancel.GraceTimeout, "5s")
	assert.Equal(t, int64(5e9), int64(ParseDuration("5s", 0)))
	assert.Equal(t, int64(7), int64(ParseDuration("", 7)))
	assert.Equal(t, int64(7), int64(ParseDuration("nope", 7)))
}
