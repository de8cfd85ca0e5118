package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Pipeline.BatchWindowMS)
	assert.Equal(t, 2, cfg.Jobs.Workers)
	assert.Equal(t, "UTC", cfg.Agent.Timezone)
	assert.True(t, cfg.Pipeline.AutoSpawn.OnTimeout)
}

func TestLoadParsesJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// comments are allowed
		pipeline: { batch_window_ms: 2500 },
		jobs: { workers: 4 },
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2500, cfg.Pipeline.BatchWindowMS)
	assert.Equal(t, 4, cfg.Jobs.Workers)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30000, cfg.Scheduler.PollIntervalMS)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("DOTCLAW_TELEGRAM_TOKEN", "tok-123")
	t.Setenv("DOTCLAW_DATA_DIR", "/tmp/dc-data")
	t.Setenv("DOTCLAW_JOB_WORKERS", "7")
	t.Setenv("DOTCLAW_TIMEZONE", "Asia/Ho_Chi_Minh")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)

	assert.True(t, cfg.Telegram.Enabled)
	assert.Equal(t, "tok-123", cfg.Telegram.Token)
	assert.Equal(t, "/tmp/dc-data", cfg.DataDir)
	assert.Equal(t, 7, cfg.Jobs.Workers)
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Agent.Timezone)
}

func TestEnvOverlayIgnoresBadWorkerCount(t *testing.T) {
	t.Setenv("DOTCLAW_JOB_WORKERS", "zero")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Jobs.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"no provider", func(c *Config) {}, true},
		{"telegram ok", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.Token = "t"
		}, false},
		{"telegram without token", func(c *Config) {
			c.Telegram.Enabled = true
		}, true},
		{"discord without token", func(c *Config) {
			c.Discord.Enabled = true
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".dotclaw"), ExpandHome("~/.dotclaw"))
	assert.Equal(t, home, ExpandHome("~"))
	assert.Equal(t, "/var/lib/dotclaw", ExpandHome("/var/lib/dotclaw"))
	assert.Equal(t, "rel/path", ExpandHome("rel/path"))
}
