package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/retry"
	"github.com/dotclaw/dotclaw/internal/router"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/trace"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

const (
	retryBase = 3 * time.Second
	retryCap  = 60 * time.Second
)

// drain claims and processes batches for one chat until the queue empties or
// the iteration cap is hit. On the cap it reschedules itself so one noisy
// chat cannot starve the others.
func (p *Pipeline) drain(chatID string) {
	for i := 0; i < p.cfg.DrainIterationCap; i++ {
		if !p.accepting.Load() {
			return
		}

		batch, err := p.store.ClaimBatchForChat(chatID, p.cfg.BatchWindow(), p.cfg.MaxBatchSize)
		if err != nil {
			slog.Error("batch claim failed", "chat", chatID, "error", err)
			return
		}
		if len(batch) == 0 {
			return
		}

		p.processBatch(chatID, batch)
	}

	// Cap reached with work possibly remaining; yield and come back.
	slog.Debug("drain iteration cap reached, rescheduling", "chat", chatID)
	time.AfterFunc(100*time.Millisecond, func() { p.EnsureDrain(chatID) })
}

// processBatch runs one claimed batch through routing, hooks, the agent,
// and reply delivery. The last message in the batch is the trigger; its
// (timestamp, id) bound the prompt context and the cursor advance.
func (p *Pipeline) processBatch(chatID string, batch []store.QueuedMessage) {
	trigger := batch[len(batch)-1]
	ids := batchIDs(batch)

	group, ok := p.groups.ByChat(chatID)
	if !ok {
		// Group was unregistered between enqueue and claim.
		if err := p.store.DeleteQueuedMessages(ids); err != nil {
			slog.Warn("orphan batch cleanup failed", "chat", chatID, "error", err)
		}
		return
	}

	prompt := p.assemblePrompt(chatID, batch, trigger)
	decision := router.Route(p.routerCfg, prompt,
		&router.LastMessage{IsGroup: trigger.IsGroup, ChatType: trigger.ChatType, SenderID: trigger.SenderID},
		&router.Context{Source: "chat"})

	if canceled := p.emitHook(protocol.EventMessageReceived, map[string]any{
		"chat_id": chatID, "message_id": trigger.MessageID,
		"sender_id": trigger.SenderID, "content": trigger.Content,
	}); canceled {
		if err := p.store.DeleteQueuedMessages(ids); err != nil {
			slog.Warn("hook-canceled batch cleanup failed", "chat", chatID, "error", err)
		}
		p.sendReply(chatID, "Canceled.", trigger.MessageThreadID, "")
		return
	}

	// Router already knows this belongs in the background.
	if decision.ShouldBackground && p.cfg.AutoSpawn.OnRouter {
		p.autoSpawn("router", group, trigger, prompt, decision, ids)
		return
	}

	attachNote := p.downloadAttachments(chatID, batch)

	p.emitHook(protocol.EventMessageProcessing, map[string]any{
		"chat_id": chatID, "message_id": trigger.MessageID, "profile": string(decision.Profile),
	})

	p.runAndReply(group, chatID, trigger, ids, prompt, attachNote, decision)
}

// runAndReply executes the agent for a batch and delivers the result. The
// abort token registered in activeRuns lets cancel phrases and shutdown
// interrupt the run.
func (p *Pipeline) runAndReply(group groups.Group, chatID string, trigger store.QueuedMessage, ids []int64, prompt, attachNote string, decision router.Decision) {
	runCtx, abort := context.WithCancel(context.Background())
	defer abort()

	execCtx := runCtx
	var cancelTimeout context.CancelFunc
	if p.cfg.AutoSpawn.ForegroundTimeoutMS > 0 {
		execCtx, cancelTimeout = context.WithTimeout(runCtx, p.cfg.AutoSpawn.ForegroundTimeout())
		defer cancelTimeout()
	}

	p.mu.Lock()
	p.activeRuns[chatID] = abort
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.activeRuns, chatID)
		p.mu.Unlock()
	}()

	sessionID, _ := p.groups.Session(group.Folder)
	traceID := trace.NewTraceID()
	started := time.Now()

	p.emitHook(protocol.EventAgentStart, map[string]any{
		"chat_id": chatID, "group": group.Folder, "trace_id": traceID,
	})

	fullPrompt := prompt
	if attachNote != "" {
		fullPrompt = prompt + "\n\n" + attachNote
	}

	model := decision.ModelOverride
	if model == "" {
		model = group.ModelOverride
	}

	result, err := p.runner.Execute(execCtx, agent.Spec{
		Prompt:           fullPrompt,
		GroupFolder:      group.Folder,
		ChatID:           chatID,
		SenderID:         trigger.SenderID,
		SessionID:        sessionID,
		ModelOverride:    model,
		MaxOutputTokens:  decision.MaxOutputTokens,
		MaxToolSteps:     decision.MaxToolSteps,
		ToolAllow:        decision.ToolAllow,
		ToolDeny:         decision.ToolDeny,
		RecallMaxResults: decision.RecallMaxResults,
		RecallMaxTokens:  decision.RecallMaxTokens,
		EnableRecall:     decision.EnableMemoryRecall,
		Timeout:          p.cfg.AutoSpawn.ForegroundTimeout(),
		Timezone:         p.timezone,
		TraceID:          traceID,
	})

	latency := int(time.Since(started).Milliseconds())

	if runCtx.Err() == context.Canceled && execCtx.Err() != context.DeadlineExceeded {
		// Canceled by a cancel phrase or shutdown; the acknowledgement was
		// already sent by the canceler.
		p.finishBatch(chatID, trigger, ids, false, "")
		p.appendTrace(traceID, group.Folder, chatID, fullPrompt, "", "canceled", latency, nil)
		return
	}

	if execCtx.Err() == context.DeadlineExceeded && p.cfg.AutoSpawn.OnTimeout {
		p.autoSpawn("timeout", group, trigger, fullPrompt, decision, ids)
		p.appendTrace(traceID, group.Folder, chatID, fullPrompt, "", "foreground timeout", latency, nil)
		return
	}

	if err != nil {
		p.handleRunError(chatID, trigger, ids, traceID, group, fullPrompt, latency, err)
		return
	}

	out := result.Output

	// Post-run auto-spawn signals.
	if reason, spawn := p.postRunSpawnReason(out); spawn {
		p.autoSpawn(reason, group, trigger, fullPrompt, decision, ids)
		p.appendTrace(traceID, group.Folder, chatID, fullPrompt, out.Result, "deferred: "+reason, latency, &out)
		return
	}

	if out.NewSessionID != "" {
		if serr := p.groups.SetSession(group.Folder, out.NewSessionID); serr != nil {
			slog.Warn("session save failed", "group", group.Folder, "error", serr)
		}
	}

	if out.Status != "ok" {
		p.appendTrace(traceID, group.Folder, chatID, fullPrompt, "", out.Error, latency, &out)
		p.sendReply(chatID, agent.HumanizeError(fmt.Errorf("%s", out.Error)), trigger.MessageThreadID, traceID)
		p.finishBatch(chatID, trigger, ids, true, out.Error)
		return
	}

	if out.MemoryUpserts > 0 {
		p.emitHook(protocol.EventMemoryUpserted, map[string]any{
			"group": group.Folder, "count": out.MemoryUpserts,
		})
	}

	if out.Result != "" {
		p.sendReply(chatID, out.Result, trigger.MessageThreadID, traceID)
	}
	p.appendTrace(traceID, group.Folder, chatID, fullPrompt, out.Result, "", latency, &out)
	p.finishBatch(chatID, trigger, ids, false, "")

	p.emitHook(protocol.EventMessageResponded, map[string]any{
		"chat_id": chatID, "message_id": trigger.MessageID, "trace_id": traceID,
	})
	p.emitHook(protocol.EventAgentComplete, map[string]any{
		"chat_id": chatID, "group": group.Folder, "trace_id": traceID, "status": out.Status,
	})
}

// handleRunError retries transient failures with full-jitter backoff and
// surfaces terminal ones to the user.
func (p *Pipeline) handleRunError(chatID string, trigger store.QueuedMessage, ids []int64, traceID string, group groups.Group, prompt string, latency int, err error) {
	p.appendTrace(traceID, group.Folder, chatID, prompt, "", err.Error(), latency, nil)

	attempts := trigger.AttemptCount + 1
	if agent.IsRetryable(err) && attempts < p.cfg.MaxRetries {
		if rerr := p.store.RequeueQueuedMessages(ids, err.Error()); rerr != nil {
			slog.Error("requeue failed", "chat", chatID, "error", rerr)
			return
		}
		wait := retry.FullJitter(retryBase, retryCap, attempts)
		slog.Warn("agent run failed, retrying", "chat", chatID, "attempt", attempts, "wait", wait, "error", err)
		select {
		case <-p.shutdown:
		case <-time.After(wait):
		}
		return
	}

	slog.Error("agent run failed terminally", "chat", chatID, "attempts", attempts, "error", err)
	p.sendReply(chatID, agent.HumanizeError(err), trigger.MessageThreadID, traceID)
	if ferr := p.store.FailQueuedMessages(ids, err.Error()); ferr != nil {
		slog.Error("fail transition failed", "chat", chatID, "error", ferr)
	}
	p.advanceCursor(chatID, trigger)
}

// autoSpawn converts the in-flight batch into a background job and reports
// queue position, ETA and planned steps instead of a normal reply.
func (p *Pipeline) autoSpawn(reason string, group groups.Group, trigger store.QueuedMessage, prompt string, decision router.Decision, ids []int64) {
	if !p.spawnEnabled(reason) {
		slog.Debug("auto-spawn disabled for reason", "reason", reason)
		return
	}

	jobID, err := p.jobs.Spawn(jobs.SpawnSpec{
		GroupFolder:  group.Folder,
		ChatJID:      trigger.ChatJID,
		Prompt:       prompt,
		MaxToolSteps: decision.MaxToolSteps,
		SpawnedBy:    "auto_spawn:" + reason,
	})
	if err != nil {
		slog.Error("auto-spawn failed", "chat", trigger.ChatJID, "reason", reason, "error", err)
		p.sendReply(trigger.ChatJID,
			"I couldn't queue that as a background job. Please try again.",
			trigger.MessageThreadID, "")
		p.finishBatch(trigger.ChatJID, trigger, ids, true, "auto-spawn failed: "+err.Error())
		return
	}

	pos, total, err := p.jobs.QueuePosition(jobID)
	if err != nil {
		pos, total = 1, 1
	}
	est := decision.EstimatedMinutes
	if est == 0 {
		est = 3
	}

	text := fmt.Sprintf("Queued this as background job `%s`. I'll report back when it's done. Queue position: %d of %d. Estimated time: %d min.", jobID, pos, total, est)
	p.sendReply(trigger.ChatJID, text, trigger.MessageThreadID, "")
	p.finishBatch(trigger.ChatJID, trigger, ids, false, "")
	slog.Info("auto-spawned background job", "job", jobID, "reason", reason, "chat", trigger.ChatJID)
}

func (p *Pipeline) spawnEnabled(reason string) bool {
	switch reason {
	case "timeout":
		return p.cfg.AutoSpawn.OnTimeout
	case "tool_limit":
		return p.cfg.AutoSpawn.OnToolLimit
	case "router":
		return p.cfg.AutoSpawn.OnRouter
	case "classifier":
		return p.cfg.AutoSpawn.OnClassifier
	case "planner":
		return p.cfg.AutoSpawn.OnPlanner
	default:
		return false
	}
}

func (p *Pipeline) postRunSpawnReason(out agent.ContainerOutput) (string, bool) {
	switch {
	case out.TimedOut && p.cfg.AutoSpawn.OnTimeout:
		return "timeout", true
	case out.HitToolLimit && p.cfg.AutoSpawn.OnToolLimit:
		return "tool_limit", true
	case out.ClassifierDefer && p.cfg.AutoSpawn.OnClassifier:
		return "classifier", true
	case out.PlannerDefer && p.cfg.AutoSpawn.OnPlanner:
		return "planner", true
	default:
		return "", false
	}
}

// assemblePrompt builds the agent prompt from all unsummarized log messages
// since the cursor, bounded by the trigger. Falls back to the batch itself
// if the log window comes back empty.
func (p *Pipeline) assemblePrompt(chatID string, batch []store.QueuedMessage, trigger store.QueuedMessage) string {
	cur, err := p.store.GetCursor(chatID)
	if err != nil {
		slog.Warn("cursor lookup failed", "chat", chatID, "error", err)
	}

	msgs, err := p.store.MessagesSinceCursor(chatID, cur, trigger.Timestamp, trigger.MessageID)
	if err != nil {
		slog.Warn("context assembly failed, using batch only", "chat", chatID, "error", err)
	}

	var b strings.Builder
	if len(msgs) > 0 {
		for _, m := range msgs {
			name := m.SenderName
			if m.IsOutbound {
				name = "dotclaw"
			}
			fmt.Fprintf(&b, "[%s] %s\n", name, m.Content)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	for _, q := range batch {
		fmt.Fprintf(&b, "[%s] %s\n", q.SenderName, q.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// finishBatch completes (or fails) the claimed rows and advances the cursor
// to the trigger bound.
func (p *Pipeline) finishBatch(chatID string, trigger store.QueuedMessage, ids []int64, fail bool, reason string) {
	var err error
	if fail {
		err = p.store.FailQueuedMessages(ids, reason)
	} else {
		err = p.store.CompleteQueuedMessages(ids)
	}
	if err != nil {
		slog.Error("batch completion failed", "chat", chatID, "error", err)
	}
	p.advanceCursor(chatID, trigger)
}

func (p *Pipeline) advanceCursor(chatID string, trigger store.QueuedMessage) {
	if err := p.store.AdvanceCursor(chatID, trigger.Timestamp, trigger.MessageID); err != nil {
		slog.Error("cursor advance failed", "chat", chatID, "error", err)
	}
}

func (p *Pipeline) appendTrace(traceID, group, chatID, prompt, output, errMsg string, latency int, out *agent.ContainerOutput) {
	rec := trace.Record{
		TraceID:     traceID,
		Source:      "chat",
		GroupFolder: group,
		ChatID:      chatID,
		Prompt:      prompt,
		Output:      output,
		Error:       errMsg,
		LatencyMS:   latency,
	}
	if out != nil {
		rec.Model = out.Model
		rec.ToolCalls = out.ToolCalls
		rec.TokensIn = out.TokensPrompt
		rec.TokensOut = out.TokensCompletion
	}
	if err := p.traces.Append(rec); err != nil {
		slog.Warn("trace append failed", "trace", traceID, "error", err)
	}
}

func batchIDs(batch []store.QueuedMessage) []int64 {
	ids := make([]int64, len(batch))
	for i, q := range batch {
		ids[i] = q.AutoID
	}
	return ids
}
