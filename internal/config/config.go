// Package config holds the root configuration for the DotClaw host.
// Config is loaded from a JSON5 file, then overlaid with environment
// variables. Secrets (bot tokens) come from env only and are never written
// back to the config file.
package config

import "time"

// MainGroupFolder is the fixed folder name of the administrative group.
// It cannot be unregistered.
const MainGroupFolder = "main"

// Config is the root configuration for the DotClaw host.
type Config struct {
	DataDir   string `json:"data_dir"`
	GroupsDir string `json:"groups_dir"`
	TraceDir  string `json:"trace_dir"`

	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Discord   DiscordConfig   `json:"discord,omitempty"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Jobs      JobsConfig      `json:"jobs"`
	IPC       IPCConfig       `json:"ipc"`
	Wake      WakeConfig      `json:"wake"`
	Hooks     HooksConfig     `json:"hooks,omitempty"`
	STT       STTConfig       `json:"stt,omitempty"`
	Agent     AgentConfig     `json:"agent"`
}

// TelegramConfig configures the Telegram provider.
// Token is env-only (DOTCLAW_TELEGRAM_TOKEN).
type TelegramConfig struct {
	Enabled            bool   `json:"enabled"`
	Token              string `json:"-"`
	Proxy              string `json:"proxy,omitempty"`
	MaxAttachmentBytes int64  `json:"max_attachment_bytes,omitempty"`
	RequireMention     *bool  `json:"require_mention,omitempty"`
}

// DiscordConfig configures the Discord provider.
// Token is env-only (DOTCLAW_DISCORD_TOKEN).
type DiscordConfig struct {
	Enabled            bool   `json:"enabled"`
	Token              string `json:"-"`
	MaxAttachmentBytes int64  `json:"max_attachment_bytes,omitempty"`
	RequireMention     *bool  `json:"require_mention,omitempty"`
}

// PipelineConfig tunes the per-chat message pipeline.
type PipelineConfig struct {
	BatchWindowMS      int             `json:"batch_window_ms"`
	MaxBatchSize       int             `json:"max_batch_size"`
	MaxRetries         int             `json:"max_retries"`
	DrainIterationCap  int             `json:"drain_iteration_cap"`
	RateLimitMax       int             `json:"rate_limit_max"`
	RateLimitWindowMS  int             `json:"rate_limit_window_ms"`
	StalledThresholdMS int             `json:"stalled_threshold_ms"`
	AutoSpawn          AutoSpawnConfig `json:"auto_spawn"`
}

// AutoSpawnConfig toggles each reason the pipeline may convert a foreground
// request into a background job.
type AutoSpawnConfig struct {
	OnTimeout           bool `json:"on_timeout"`
	OnToolLimit         bool `json:"on_tool_limit"`
	OnRouter            bool `json:"on_router"`
	OnClassifier        bool `json:"on_classifier"`
	OnPlanner           bool `json:"on_planner"`
	ForegroundTimeoutMS int  `json:"foreground_timeout_ms"`
}

// SchedulerConfig tunes the scheduled-task engine.
type SchedulerConfig struct {
	PollIntervalMS int `json:"poll_interval_ms"`
	TaskTimeoutMS  int `json:"task_timeout_ms"`
	MaxRetries     int `json:"max_retries"`
	RetryBaseMS    int `json:"retry_base_ms"`
	RetryMaxMS     int `json:"retry_max_ms"`
}

// JobsConfig tunes the background-job worker pool.
type JobsConfig struct {
	Workers          int `json:"workers"`
	PollIntervalMS   int `json:"poll_interval_ms"`
	LeaseTTLMS       int `json:"lease_ttl_ms"`
	DefaultTimeoutMS int `json:"default_timeout_ms"`
}

// IPCConfig tunes the container-to-host IPC bus.
type IPCConfig struct {
	PollIntervalMS int `json:"poll_interval_ms"`
}

// WakeConfig tunes the sleep/wake detector.
type WakeConfig struct {
	CheckIntervalMS int `json:"check_interval_ms"`
	// ThresholdMS defaults to twice the check interval when zero.
	ThresholdMS   int `json:"threshold_ms"`
	GraceWindowMS int `json:"grace_window_ms"`
}

// HookScript is one user-defined hook subscription.
type HookScript struct {
	Event     string `json:"event"`
	Command   string `json:"command"`
	Blocking  bool   `json:"blocking,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// HooksConfig configures the hook bus.
type HooksConfig struct {
	Scripts          []HookScript `json:"scripts,omitempty"`
	MaxConcurrent    int          `json:"max_concurrent,omitempty"`
	DefaultTimeoutMS int          `json:"default_timeout_ms,omitempty"`
}

// STTConfig configures the optional speech-to-text proxy used to transcribe
// voice attachments. Transcription is skipped when ProxyURL is empty.
// APIKey is env-only (DOTCLAW_STT_API_KEY).
type STTConfig struct {
	ProxyURL  string `json:"proxy_url,omitempty"`
	APIKey    string `json:"-"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// AgentConfig configures the container agent runner boundary.
type AgentConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	ContainerImage   string `json:"container_image,omitempty"`
	WarmStart        bool   `json:"warm_start,omitempty"`
	MaxOutputBytes   int64  `json:"max_output_bytes,omitempty"`
	DefaultTimeoutMS int    `json:"default_timeout_ms,omitempty"`
}

// Duration helpers; arithmetic in the core uses time.Duration.

func (p PipelineConfig) BatchWindow() time.Duration     { return time.Duration(p.BatchWindowMS) * time.Millisecond }
func (p PipelineConfig) RateLimitWindow() time.Duration { return time.Duration(p.RateLimitWindowMS) * time.Millisecond }
func (p PipelineConfig) StalledThreshold() time.Duration {
	return time.Duration(p.StalledThresholdMS) * time.Millisecond
}
func (a AutoSpawnConfig) ForegroundTimeout() time.Duration {
	return time.Duration(a.ForegroundTimeoutMS) * time.Millisecond
}
func (s SchedulerConfig) PollInterval() time.Duration { return time.Duration(s.PollIntervalMS) * time.Millisecond }
func (s SchedulerConfig) TaskTimeout() time.Duration  { return time.Duration(s.TaskTimeoutMS) * time.Millisecond }
func (j JobsConfig) PollInterval() time.Duration      { return time.Duration(j.PollIntervalMS) * time.Millisecond }
func (j JobsConfig) LeaseTTL() time.Duration          { return time.Duration(j.LeaseTTLMS) * time.Millisecond }
func (i IPCConfig) PollInterval() time.Duration       { return time.Duration(i.PollIntervalMS) * time.Millisecond }
func (w WakeConfig) CheckInterval() time.Duration     { return time.Duration(w.CheckIntervalMS) * time.Millisecond }
func (w WakeConfig) Threshold() time.Duration {
	if w.ThresholdMS > 0 {
		return time.Duration(w.ThresholdMS) * time.Millisecond
	}
	return 2 * w.CheckInterval()
}
func (w WakeConfig) GraceWindow() time.Duration { return time.Duration(w.GraceWindowMS) * time.Millisecond }
