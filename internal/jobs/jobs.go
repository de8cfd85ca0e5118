// Package jobs runs the background job worker pool. Jobs are durable rows
// in the Store claimed under a lease; workers renew the lease while running
// and report completion back to the originating chat.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/hooks"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/trace"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

// SpawnSpec describes a job to enqueue.
type SpawnSpec struct {
	GroupFolder    string
	ChatJID        string
	Prompt         string
	Priority       int
	TimeoutMS      int
	MaxToolSteps   int
	ToolPolicyJSON string
	SpawnedBy      string // "user", "auto_spawn:<reason>", "ipc:<group>"
}

// Manager owns the worker pool and the job lifecycle operations.
type Manager struct {
	cfg       config.JobsConfig
	store     *store.Store
	runner    agent.Runner
	providers *provider.Registry
	groups    *groups.Registry
	hooks     *hooks.Bus
	traces    *trace.Writer
	timezone  string

	mu     sync.Mutex
	aborts map[string]context.CancelFunc // job id → abort

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewManager(
	cfg config.JobsConfig,
	st *store.Store,
	runner agent.Runner,
	providers *provider.Registry,
	groupReg *groups.Registry,
	hookBus *hooks.Bus,
	traces *trace.Writer,
	timezone string,
) *Manager {
	return &Manager{
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

// Start launches the configured number of workers.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	slog.Info("background job workers started", "workers", m.cfg.Workers)
}

// Stop signals workers, aborts running jobs and waits for the pool to exit.
// Idempotent.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })

	m.mu.Lock()
	for id, abort := range m.aborts {
		slog.Info("aborting background job for shutdown", "job", id)
		abort()
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Spawn validates and enqueues a job, returning its id.
func (m *Manager) Spawn(spec SpawnSpec) (string, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return "", fmt.Errorf("job prompt is empty")
	}
	if _, _, ok := m.groups.ByFolder(spec.GroupFolder); !ok {
		return "", fmt.Errorf("unknown group folder %q", spec.GroupFolder)
	}
	if spec.TimeoutMS <= 0 {
		spec.TimeoutMS = m.cfg.DefaultTimeoutMS
	}

	id := "job-" + uuid.NewString()
	if err := m.store.CreateBackgroundJob(store.BackgroundJob{
		ID:             id,
		GroupFolder:    spec.GroupFolder,
		ChatJID:        spec.ChatJID,
		Prompt:         spec.Prompt,
		Status:         store.JobQueued,
		Priority:       spec.Priority,
		TimeoutMS:      spec.TimeoutMS,
		MaxToolSteps:   spec.MaxToolSteps,
		ToolPolicyJSON: spec.ToolPolicyJSON,
		SpawnedBy:      spec.SpawnedBy,
		CreatedAt:      time.Now(),
	}); err != nil {
		return "", fmt.Errorf("spawn background job: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.hooks.Emit(ctx, protocol.EventJobSpawned, map[string]any{
		"job_id": id, "group": spec.GroupFolder, "spawned_by": spec.SpawnedBy,
	})

	return id, nil
}

// QueuePosition returns the job's position among queued jobs and the queue
// length.
func (m *Manager) QueuePosition(id string) (int, int, error) {
	return m.store.QueuePosition(id)
}

// Cancel terminates a job. Running jobs get their abort token signaled; the
// worker observes the cancellation and finishes the row. Queued jobs
// transition directly.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	abort, running := m.aborts[id]
	m.mu.Unlock()

	if running {
		abort()
		return nil
	}

	moved, err := m.store.CancelQueuedJob(id)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("job %s is not queued or running", id)
	}
	return nil
}

// RecordUpdate appends a job event and optionally notifies the job's chat.
func (m *Manager) RecordUpdate(jobID, level, message, dataJSON string, notify bool) error {
	job, err := m.store.GetBackgroundJob(jobID)
	if err != nil {
		return err
	}

	if err := m.store.AppendJobEvent(jobID, level, message, dataJSON); err != nil {
		return err
	}

	if notify && job.ChatJID != "" {
		text := message
		if level == store.EventError || level == store.EventWarn {
			text = fmt.Sprintf("Job `%s` %s: %s", jobID, level, message)
		}
		m.notify(job.ChatJID, text)
	}
	return nil
}

// Status returns a job row with its event log.
func (m *Manager) Status(id string) (*store.BackgroundJob, []store.JobEvent, error) {
	job, err := m.store.GetBackgroundJob(id)
	if err != nil {
		return nil, nil, err
	}
	events, err := m.store.JobEvents(id)
	if err != nil {
		return nil, nil, err
	}
	return job, events, nil
}

// List returns jobs for a group, optionally filtered by status.
func (m *Manager) List(groupFolder string, statuses []string) ([]store.BackgroundJob, error) {
	jobs, err := m.store.ListBackgroundJobs(groupFolder, 0)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return jobs, nil
	}
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	filtered := jobs[:0]
	for _, j := range jobs {
		if want[j.Status] {
			filtered = append(filtered, j)
		}
	}
	return filtered, nil
}

// notify sends a chat message with a small retry loop; job notifications are
// best-effort.
func (m *Manager) notify(chatJID, text string) {
	backoff := 2 * time.Second
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := m.providers.SendMessage(ctx, chatJID, text, nil)
		cancel()
		if err == nil && res.Success {
			return
		}
		slog.Warn("job notification send failed", "chat", chatJID, "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}
