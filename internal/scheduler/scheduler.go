// Package scheduler runs cron/interval/once tasks persisted in the Store.
// A poll loop claims due tasks atomically and dispatches them concurrently;
// failures back off exponentially and pause the task when retries exhaust.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/hooks"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/retry"
	"github.com/dotclaw/dotclaw/internal/router"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/trace"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

// Scheduler polls for due tasks and executes them through the agent runner.
type Scheduler struct {
	cfg       config.SchedulerConfig
	store     *store.Store
	runner    agent.Runner
	providers *provider.Registry
	groups    *groups.Registry
	hooks     *hooks.Bus
	traces    *trace.Writer
	timezone  string

	mu     sync.Mutex
	aborts map[string]context.CancelFunc // task id → abort

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func New(
	cfg config.SchedulerConfig,
	st *store.Store,
	runner agent.Runner,
	providers *provider.Registry,
	groupReg *groups.Registry,
	hookBus *hooks.Bus,
	traces *trace.Writer,
	timezone string,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		store:     st,
		runner:    runner,
		providers: providers,
		groups:    groupReg,
		hooks:     hookBus,
		traces:    traces,
		timezone:  timezone,
		aborts:    make(map[string]context.CancelFunc),
		stop:      make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	slog.Info("scheduler started", "poll_interval", s.cfg.PollInterval())
}

// Stop signals the loop, aborts running tasks and waits. Idempotent.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	for id, abort := range s.aborts {
		slog.Info("aborting task for shutdown", "task", id)
		abort()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	// Run one tick immediately so past-due tasks fire at startup.
	s.tick()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick claims every due task and dispatches them concurrently. Individual
// task failures never fail the tick.
func (s *Scheduler) tick() {
	claimed, err := s.store.ClaimDueTasks()
	if err != nil {
		slog.Error("due task claim failed", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}

	var g errgroup.Group
	for _, task := range claimed {
		task := task
		g.Go(func() error {
			s.runTask(&task, true)
			return nil
		})
	}
	g.Wait()
}

// RunTaskNow executes a task out of band, without rescheduling. Rejects when
// the task is already running.
func (s *Scheduler) RunTaskNow(taskID string) error {
	task, err := s.store.ClaimTask(taskID)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(task, false)
	}()
	return nil
}

// runTask executes one claimed task. reschedule=false for out-of-band runs.
func (s *Scheduler) runTask(task *store.ScheduledTask, reschedule bool) {
	// The claim raced a pause/cancel: re-check status before running.
	fresh, err := s.store.GetTask(task.ID)
	if err != nil || fresh.Status != store.TaskActive {
		if err == nil {
			if uerr := s.store.UpdateTaskAfterRun(task.ID, fresh.NextRun, fresh.LastResult, "", fresh.RetryCount, fresh.Status); uerr != nil {
				slog.Warn("idle release of non-active task failed", "task", task.ID, "error", uerr)
			}
		}
		return
	}

	slog.Info("task fired", "task", task.ID, "group", task.GroupFolder, "type", task.ScheduleType)
	s.emitHook(protocol.EventTaskFired, map[string]any{
		"task_id": task.ID, "group": task.GroupFolder,
	})

	output, runErr := s.execute(task)

	if runErr != nil {
		s.handleFailure(task, runErr)
	} else {
		s.handleSuccess(task, output, reschedule)
	}

	s.emitHook(protocol.EventTaskCompleted, map[string]any{
		"task_id": task.ID, "group": task.GroupFolder, "ok": runErr == nil,
	})
}

// execute runs the agent for the task under its timeout, tracking the abort
// token for shutdown.
func (s *Scheduler) execute(task *store.ScheduledTask) (*agent.ContainerOutput, error) {
	runCtx, abort := context.WithCancel(context.Background())
	execCtx, cancel := context.WithTimeout(runCtx, s.cfg.TaskTimeout())
	defer cancel()
	defer abort()

	s.mu.Lock()
	s.aborts[task.ID] = abort
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.aborts, task.ID)
		s.mu.Unlock()
	}()

	decision := router.Route(router.DefaultConfig(), task.Prompt, nil, &router.Context{Source: "task"})

	// Recurring tasks always start fresh; only once-tasks in group context
	// attach to the group session.
	sessionID := ""
	if task.ScheduleType == store.ScheduleOnce && task.ContextMode == store.ContextGroup {
		sessionID, _ = s.groups.Session(task.GroupFolder)
	}

	tz := task.Timezone
	if tz == "" {
		tz = s.timezone
	}

	traceID := trace.NewTraceID()
	started := time.Now()
	result, err := s.runner.Execute(execCtx, agent.Spec{
		Prompt:       task.Prompt,
		GroupFolder:  task.GroupFolder,
		ChatID:       task.ChatJID,
		SessionID:    sessionID,
		MaxToolSteps: decision.MaxToolSteps,
		Timeout:      s.cfg.TaskTimeout(),
		Timezone:     tz,
		TraceID:      traceID,
	})

	rec := trace.Record{
		TraceID:     traceID,
		Source:      "task",
		GroupFolder: task.GroupFolder,
		ChatID:      task.ChatJID,
		Prompt:      task.Prompt,
		LatencyMS:   int(time.Since(started).Milliseconds()),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		rec.Error = "task timed out"
		s.appendTrace(rec)
		return nil, fmt.Errorf("task timed out after %s", s.cfg.TaskTimeout())
	case err != nil:
		rec.Error = err.Error()
		s.appendTrace(rec)
		return nil, err
	case result.Output.Status != "ok":
		rec.Error = result.Output.Error
		s.appendTrace(rec)
		return nil, fmt.Errorf("agent error: %s", result.Output.Error)
	}

	rec.Output = result.Output.Result
	rec.Model = result.Output.Model
	rec.ToolCalls = result.Output.ToolCalls
	s.appendTrace(rec)
	return &result.Output, nil
}

// handleSuccess advances the schedule and notifies the chat.
func (s *Scheduler) handleSuccess(task *store.ScheduledTask, output *agent.ContainerOutput, reschedule bool) {
	summary := strings.TrimSpace(output.Result)

	var next *time.Time
	status := store.TaskActive
	if reschedule {
		n, err := NextRun(task.ScheduleType, task.ScheduleValue, task.Timezone, time.Now())
		switch {
		case err != nil:
			s.pause(task, "its schedule is invalid: "+err.Error())
			return
		case n == nil:
			status = store.TaskCompleted
		default:
			next = n
		}
	} else {
		// Out-of-band run: keep the existing schedule untouched.
		next = task.NextRun
		if task.ScheduleType == store.ScheduleOnce {
			status = store.TaskCompleted
		}
	}

	if err := s.store.UpdateTaskAfterRun(task.ID, next, summary, "", 0, status); err != nil {
		slog.Error("task update after success failed", "task", task.ID, "error", err)
	}

	if task.ChatJID != "" && summary != "" {
		text := summary
		if next != nil {
			text += "\n\nNext run " + RelativeTime(*next, time.Now()) + "."
		}
		s.notify(task.ChatJID, text)
	}
}

// handleFailure applies backoff and, when retries exhaust, the circuit
// breaker.
func (s *Scheduler) handleFailure(task *store.ScheduledTask, runErr error) {
	slog.Warn("task run failed", "task", task.ID, "retry_count", task.RetryCount, "error", runErr)

	retryCount := task.RetryCount + 1
	if retryCount > s.cfg.MaxRetries {
		s.pause(task, fmt.Sprintf("it failed %d times in a row", s.cfg.MaxRetries))
		return
	}

	base := time.Duration(s.cfg.RetryBaseMS) * time.Millisecond
	max := time.Duration(s.cfg.RetryMaxMS) * time.Millisecond
	delay := retry.RangeJitter(base, max, retryCount)
	next := time.Now().Add(delay)

	if err := s.store.UpdateTaskAfterRun(task.ID, &next, task.LastResult, runErr.Error(), retryCount, store.TaskActive); err != nil {
		slog.Error("task backoff update failed", "task", task.ID, "error", err)
	}

	if task.ChatJID != "" {
		s.notify(task.ChatJID, fmt.Sprintf(
			"Your scheduled task hit an error: %s\nRetrying %s.",
			agent.HumanizeError(runErr), RelativeTime(next, time.Now())))
	}
}

// pause trips the circuit breaker: paused status, no next run, reason to
// the chat.
func (s *Scheduler) pause(task *store.ScheduledTask, reason string) {
	if err := s.store.UpdateTaskAfterRun(task.ID, nil, task.LastResult, reason, task.RetryCount, store.TaskPaused); err != nil {
		slog.Error("task pause failed", "task", task.ID, "error", err)
	}
	slog.Warn("task paused", "task", task.ID, "reason", reason)

	if task.ChatJID != "" {
		s.notify(task.ChatJID, "Your scheduled task has been paused because "+reason)
	}
}

// notify delivers a task notification with its own retry policy: 3 attempts,
// 2-30s exponential backoff with jitter.
func (s *Scheduler) notify(chatJID, text string) {
	err := retry.Do(context.Background(), 3, 2*time.Second, 30*time.Second, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := s.providers.SendMessage(ctx, chatJID, text, nil)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("send reported failure")
		}
		return nil
	})
	if err != nil {
		slog.Error("task notification failed after retries", "chat", chatJID, "error", err)
	}
}

func (s *Scheduler) appendTrace(rec trace.Record) {
	if err := s.traces.Append(rec); err != nil {
		slog.Warn("task trace append failed", "trace", rec.TraceID, "error", err)
	}
}

func (s *Scheduler) emitHook(event string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.hooks.Emit(ctx, event, payload)
}
