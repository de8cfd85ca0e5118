package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/trace"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

// worker claims jobs one at a time: highest priority first, then oldest.
func (m *Manager) worker(id int) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		job, err := m.store.ClaimBackgroundJob(m.cfg.LeaseTTL())
		if err != nil {
			slog.Error("job claim failed", "worker", id, "error", err)
		}
		if job == nil {
			select {
			case <-m.stop:
				return
			case <-time.After(m.cfg.PollInterval()):
			}
			continue
		}

		m.run(id, job)
	}
}

// run executes one claimed job to completion, renewing the lease at half its
// TTL while the agent is working.
func (m *Manager) run(workerID int, job *store.BackgroundJob) {
	slog.Info("job started", "worker", workerID, "job", job.ID, "group", job.GroupFolder)

	timeout := time.Duration(job.TimeoutMS) * time.Millisecond
	runCtx, abort := context.WithCancel(context.Background())
	execCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)

	m.mu.Lock()
	m.aborts[job.ID] = abort
	m.mu.Unlock()

	renewalDone := make(chan struct{})
	go m.renewLease(job.ID, renewalDone)

	traceID := trace.NewTraceID()
	started := time.Now()
	result, err := m.runner.Execute(execCtx, agent.Spec{
		Prompt:       job.Prompt,
		GroupFolder:  job.GroupFolder,
		ChatID:       job.ChatJID,
		MaxToolSteps: job.MaxToolSteps,
		Timeout:      timeout,
		Timezone:     m.timezone,
		TraceID:      traceID,
	})

	cancelTimeout()
	close(renewalDone)
	m.mu.Lock()
	delete(m.aborts, job.ID)
	m.mu.Unlock()

	status, summary, errMsg := m.classify(runCtx, execCtx, result, err)
	abort()

	if terr := m.traces.Append(trace.Record{
		TraceID:     traceID,
		Source:      "job",
		GroupFolder: job.GroupFolder,
		ChatID:      job.ChatJID,
		Prompt:      job.Prompt,
		Output:      summary,
		Error:       errMsg,
		LatencyMS:   int(time.Since(started).Milliseconds()),
	}); terr != nil {
		slog.Warn("job trace append failed", "job", job.ID, "error", terr)
	}

	if ferr := m.store.FinishBackgroundJob(job.ID, status, summary, errMsg, "", false); ferr != nil {
		slog.Error("job finish failed", "job", job.ID, "error", ferr)
		return
	}
	slog.Info("job finished", "worker", workerID, "job", job.ID, "status", status)

	hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	m.hooks.Emit(hookCtx, protocol.EventJobCompleted, map[string]any{
		"job_id": job.ID, "group": job.GroupFolder, "status": status,
	})
	cancel()

	if job.ChatJID != "" {
		m.notify(job.ChatJID, m.completionMessage(job.ID, status, summary, errMsg))
	}
}

// classify maps a run outcome onto a terminal job status.
func (m *Manager) classify(runCtx, execCtx context.Context, result *agent.Result, err error) (status, summary, errMsg string) {
	switch {
	case runCtx.Err() == context.Canceled:
		return store.JobCanceled, "", "canceled"
	case execCtx.Err() == context.DeadlineExceeded:
		return store.JobTimedOut, "", "job exceeded its timeout"
	case err != nil:
		return store.JobFailed, "", err.Error()
	case result.Output.Status != "ok":
		return store.JobFailed, "", result.Output.Error
	default:
		return store.JobSucceeded, result.Output.Result, ""
	}
}

func (m *Manager) completionMessage(jobID, status, summary, errMsg string) string {
	switch status {
	case store.JobSucceeded:
		if summary == "" {
			summary = "done"
		}
		return "Background job `" + jobID + "` finished:\n\n" + summary
	case store.JobTimedOut:
		return "Background job `" + jobID + "` timed out before finishing."
	case store.JobCanceled:
		return "Background job `" + jobID + "` was canceled."
	default:
		return "Background job `" + jobID + "` failed: " + agent.HumanizeError(errorString(errMsg))
	}
}

// renewLease extends the claim at half the lease TTL until done closes.
func (m *Manager) renewLease(jobID string, done <-chan struct{}) {
	interval := m.cfg.LeaseTTL() / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.store.RenewBackgroundJobLease(jobID, m.cfg.LeaseTTL()); err != nil {
				slog.Warn("job lease renewal failed", "job", jobID, "error", err)
			}
		}
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }
