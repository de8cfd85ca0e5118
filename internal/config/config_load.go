package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir:   "~/.dotclaw/data",
		GroupsDir: "~/.dotclaw/groups",
		TraceDir:  "~/.dotclaw/traces",
		Pipeline: PipelineConfig{
			BatchWindowMS:      5000,
			MaxBatchSize:       10,
			MaxRetries:         4,
			DrainIterationCap:  25,
			RateLimitMax:       20,
			RateLimitWindowMS:  60000,
			StalledThresholdMS: 300000,
			AutoSpawn: AutoSpawnConfig{
				OnTimeout:           true,
				OnToolLimit:         true,
				OnRouter:            true,
				OnClassifier:        true,
				OnPlanner:           true,
				ForegroundTimeoutMS: 120000,
			},
		},
		Scheduler: SchedulerConfig{
			PollIntervalMS: 30000,
			TaskTimeoutMS:  600000,
			MaxRetries:     3,
			RetryBaseMS:    60000,
			RetryMaxMS:     3600000,
		},
		Jobs: JobsConfig{
			Workers:          2,
			PollIntervalMS:   5000,
			LeaseTTLMS:       120000,
			DefaultTimeoutMS: 1800000,
		},
		IPC:  IPCConfig{PollIntervalMS: 2000},
		Wake: WakeConfig{CheckIntervalMS: 60000, GraceWindowMS: 60000},
		Hooks: HooksConfig{
			MaxConcurrent:    8,
			DefaultTimeoutMS: 10000,
		},
		STT: STTConfig{TimeoutMS: 30000},
		Agent: AgentConfig{
			Timezone:         "UTC",
			MaxOutputBytes:   1 << 20,
			DefaultTimeoutMS: 600000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	cfg.DataDir = ExpandHome(cfg.DataDir)
	cfg.GroupsDir = ExpandHome(cfg.GroupsDir)
	cfg.TraceDir = ExpandHome(cfg.TraceDir)

	return cfg, nil
}

// applyEnv overlays environment variables. Tokens are env-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("DOTCLAW_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
		c.Telegram.Enabled = true
	}
	if v := os.Getenv("DOTCLAW_DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
		c.Discord.Enabled = true
	}
	if v := os.Getenv("DOTCLAW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DOTCLAW_GROUPS_DIR"); v != "" {
		c.GroupsDir = v
	}
	if v := os.Getenv("DOTCLAW_TRACE_DIR"); v != "" {
		c.TraceDir = v
	}
	if v := os.Getenv("DOTCLAW_TIMEZONE"); v != "" {
		c.Agent.Timezone = v
	}
	if v := os.Getenv("DOTCLAW_STT_PROXY_URL"); v != "" {
		c.STT.ProxyURL = v
	}
	if v := os.Getenv("DOTCLAW_STT_API_KEY"); v != "" {
		c.STT.APIKey = v
	}
	if v := os.Getenv("DOTCLAW_JOB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Jobs.Workers = n
		}
	}
}

// Validate reports fatal configuration problems.
func (c *Config) Validate() error {
	if !c.Telegram.Enabled && !c.Discord.Enabled {
		return fmt.Errorf("no provider enabled: set DOTCLAW_TELEGRAM_TOKEN or DOTCLAW_DISCORD_TOKEN")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram enabled but DOTCLAW_TELEGRAM_TOKEN is empty")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return fmt.Errorf("discord enabled but DOTCLAW_DISCORD_TOKEN is empty")
	}
	return nil
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
