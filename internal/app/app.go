// Package app is the lifecycle supervisor: it builds the full host from
// config, starts every subsystem in dependency order, and tears everything
// down idempotently on shutdown or fatal error.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/hooks"
	"github.com/dotclaw/dotclaw/internal/ipc"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/pipeline"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/provider/discord"
	"github.com/dotclaw/dotclaw/internal/provider/telegram"
	"github.com/dotclaw/dotclaw/internal/scheduler"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/stt"
	"github.com/dotclaw/dotclaw/internal/trace"
	"github.com/dotclaw/dotclaw/internal/wake"
)

// shutdownDrainTimeout bounds the wait for in-flight drains on shutdown.
const shutdownDrainTimeout = 30 * time.Second

// App owns every subsystem of the running host.
type App struct {
	cfg *config.Config

	store     *store.Store
	memory    *memory.Store
	groups    *groups.Registry
	providers *provider.Registry
	hooks     *hooks.Bus
	traces    *trace.Writer
	runner    *agent.ContainerRunner
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	jobs      *jobs.Manager
	ipc       *ipc.Bus
	wake      *wake.Detector

	// healthSuppressedUntil is a unix-nano deadline during which health
	// checks must not kill anything (wake grace window).
	healthSuppressedUntil atomic.Int64

	shutdownOnce sync.Once
}

// New builds the host: directories, config validation, store (with stalled
// claim recovery), memory, groups, agent runner, providers and the
// orchestration subsystems. Nothing is started yet.
func New(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{
		cfg.DataDir,
		cfg.TraceDir,
		filepath.Join(cfg.DataDir, "media"),
		filepath.Join(cfg.GroupsDir, config.MainGroupFolder),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: st}

	// Claims abandoned by a previous process go back to pending before
	// anything can claim them again.
	a.resetStalled()

	if a.memory, err = memory.Open(cfg.DataDir); err != nil {
		st.Close()
		return nil, err
	}
	if a.groups, err = groups.Load(cfg.DataDir); err != nil {
		st.Close()
		return nil, err
	}
	if a.traces, err = trace.NewWriter(cfg.TraceDir); err != nil {
		st.Close()
		return nil, err
	}

	if a.runner, err = agent.NewContainerRunner(cfg.Agent, cfg.GroupsDir); err != nil {
		st.Close()
		return nil, err
	}

	a.providers = provider.NewRegistry()
	if err := a.registerProviders(); err != nil {
		st.Close()
		return nil, err
	}

	a.hooks = hooks.New(cfg.Hooks)
	a.jobs = jobs.NewManager(cfg.Jobs, st, a.runner, a.providers, a.groups, a.hooks, a.traces, cfg.Agent.Timezone)
	a.pipeline = pipeline.New(cfg.Pipeline, st, a.providers, a.groups, a.hooks, a.runner, a.jobs, a.traces,
		stt.New(cfg.STT), cfg.Agent.Timezone, filepath.Join(cfg.DataDir, "media"), cfg.GroupsDir)
	a.scheduler = scheduler.New(cfg.Scheduler, st, a.runner, a.providers, a.groups, a.hooks, a.traces, cfg.Agent.Timezone)
	a.ipc = ipc.New(cfg.IPC, cfg.DataDir, a.providers, a.groups, a.scheduler, a.jobs, a.memory)
	a.wake = wake.New(cfg.Wake, a)

	return a, nil
}

// registerProviders creates each enabled provider.
func (a *App) registerProviders() error {
	if a.cfg.Telegram.Enabled {
		tg, err := telegram.New(a.cfg.Telegram)
		if err != nil {
			return err
		}
		a.providers.Register(tg)
	}
	if a.cfg.Discord.Enabled {
		dc, err := discord.New(a.cfg.Discord)
		if err != nil {
			return err
		}
		a.providers.Register(dc)
	}
	return nil
}

// Run starts every subsystem and blocks until ctx is canceled, then shuts
// down.
func (a *App) Run(ctx context.Context) error {
	slog.Info("dotclaw host starting",
		"data_dir", a.cfg.DataDir, "groups_dir", a.cfg.GroupsDir)

	// Warm start and provider startup are independent; run them together.
	g, startCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.runner.WarmStart(startCtx); err != nil {
			slog.Warn("agent warm start failed", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		a.pipeline.Start()
		a.providers.StartAll(startCtx, a.pipeline.Handlers())
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	a.pipeline.ResumePending()
	a.scheduler.Start()
	a.jobs.Start()
	if err := a.ipc.Start(); err != nil {
		slog.Error("ipc bus failed to start", "error", err)
		a.Shutdown()
		return err
	}
	a.wake.Start()

	slog.Info("dotclaw host running")
	<-ctx.Done()

	a.Shutdown()
	return nil
}

// Shutdown tears everything down in reverse order. Idempotent.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		slog.Info("dotclaw host shutting down")

		a.wake.Stop()
		a.ipc.Stop()
		a.scheduler.Stop()
		a.jobs.Stop()

		// Stop accepting, abort active runs and wait for drains.
		a.pipeline.Shutdown(shutdownDrainTimeout)

		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.providers.StopAll(stopCtx)

		a.runner.CleanupInstance(stopCtx)

		if err := a.store.Close(); err != nil {
			slog.Warn("store close failed", "error", err)
		}
		slog.Info("dotclaw host stopped")
	})
}

// resetStalled returns abandoned claims to pending and logs the counts.
func (a *App) resetStalled() {
	messages, err := a.store.ResetStalledMessages(a.cfg.Pipeline.StalledThreshold())
	if err != nil {
		slog.Warn("stalled message reset failed", "error", err)
	}
	tasks, err := a.store.ResetStalledTasks(a.cfg.Scheduler.TaskTimeout())
	if err != nil {
		slog.Warn("stalled task reset failed", "error", err)
	}
	jobCount, err := a.store.ResetStalledBackgroundJobs()
	if err != nil {
		slog.Warn("stalled job reset failed", "error", err)
	}
	if messages > 0 || tasks > 0 || jobCount > 0 {
		slog.Info("stalled work reset",
			"messages", messages, "tasks", tasks, "jobs", jobCount)
	}
}

// HealthChecksSuppressed reports whether the wake grace window is active.
func (a *App) HealthChecksSuppressed() bool {
	return time.Now().UnixNano() < a.healthSuppressedUntil.Load()
}

// Wake recovery hooks.

func (a *App) SuppressHealthChecks(d time.Duration) {
	a.healthSuppressedUntil.Store(time.Now().Add(d).UnixNano())
}

func (a *App) RestartProviders(ctx context.Context) {
	a.providers.RestartAll(ctx, a.pipeline.Handlers())
}

func (a *App) ResetStalled() (int64, int64) {
	messages, err := a.store.ResetStalledMessages(a.cfg.Pipeline.StalledThreshold())
	if err != nil {
		slog.Warn("stalled message reset failed", "error", err)
	}
	if _, err := a.store.ResetStalledTasks(a.cfg.Scheduler.TaskTimeout()); err != nil {
		slog.Warn("stalled task reset failed", "error", err)
	}
	jobCount, err := a.store.ResetStalledBackgroundJobs()
	if err != nil {
		slog.Warn("stalled job reset failed", "error", err)
	}
	return messages, jobCount
}

func (a *App) ResumeDrains() {
	a.pipeline.ResumePending()
}
