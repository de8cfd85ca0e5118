// Package pipeline is the per-chat message pipeline: it observes incoming
// provider messages, batches them per chat with a debounce window, routes
// them, runs the agent, and surfaces results, progress, errors and
// cancellation. At most one drain runs per chat at any instant.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/hooks"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/ratelimit"
	"github.com/dotclaw/dotclaw/internal/router"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/stt"
	"github.com/dotclaw/dotclaw/internal/trace"
)

// cancelPhrases abort the running agent for a chat.
var cancelPhrases = map[string]bool{
	"cancel":         true,
	"stop":           true,
	"abort":          true,
	"cancel request": true,
	"stop request":   true,
}

// Pipeline coordinates per-chat drains. All mutable maps are guarded by mu;
// drains run concurrently across chats but never concurrently within one.
type Pipeline struct {
	cfg       config.PipelineConfig
	store     *store.Store
	providers *provider.Registry
	groups    *groups.Registry
	limiter   *ratelimit.Limiter
	routerCfg router.Config
	hooks     *hooks.Bus
	runner    agent.Runner
	jobs      *jobs.Manager
	traces    *trace.Writer
	stt       *stt.Client
	callbacks *callbackStore
	timezone  string
	mediaDir  string
	groupsDir string

	accepting atomic.Bool

	mu           sync.Mutex
	activeDrains map[string]bool
	activeRuns   map[string]context.CancelFunc

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// New wires a pipeline. Start accepting with Start; drains stop accepting
// new work after Shutdown.
func New(
	cfg config.PipelineConfig,
	st *store.Store,
	providers *provider.Registry,
	groupReg *groups.Registry,
	hookBus *hooks.Bus,
	runner agent.Runner,
	jobMgr *jobs.Manager,
	traces *trace.Writer,
	transcriber *stt.Client,
	timezone, mediaDir, groupsDir string,
) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		store:        st,
		providers:    providers,
		groups:       groupReg,
		limiter:      ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow()),
		routerCfg:    router.DefaultConfig(),
		hooks:        hookBus,
		runner:       runner,
		jobs:         jobMgr,
		traces:       traces,
		stt:          transcriber,
		callbacks:    newCallbackStore(5 * time.Minute),
		timezone:     timezone,
		mediaDir:     mediaDir,
		groupsDir:    groupsDir,
		activeDrains: make(map[string]bool),
		activeRuns:   make(map[string]context.CancelFunc),
		shutdown:     make(chan struct{}),
	}
}

// Start begins accepting messages and runs the limiter / callback sweepers.
func (p *Pipeline) Start() {
	p.accepting.Store(true)
	go p.limiter.Run(p.shutdown)
	go p.callbacks.run(p.shutdown)
}

// Handlers returns the bus.Handlers providers dispatch into.
func (p *Pipeline) Handlers() bus.Handlers {
	return bus.Handlers{
		OnMessage:     p.HandleMessage,
		OnReaction:    p.HandleReaction,
		OnButtonClick: p.HandleButtonClick,
	}
}

// HandleMessage ingests one incoming message: log it, decide whether it
// triggers processing, enqueue it, and ensure a drain is running.
func (p *Pipeline) HandleMessage(msg bus.IncomingMessage) {
	if !p.accepting.Load() {
		return
	}

	if err := p.store.UpsertChat(msg.ChatID, msg.SenderName, msg.Timestamp); err != nil {
		slog.Error("chat upsert failed", "chat", msg.ChatID, "error", err)
	}
	if err := p.store.RecordMessage(store.Message{
		ID:              msg.MessageID,
		ChatJID:         msg.ChatID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		AttachmentsJSON: attachmentsJSON(msg.Attachments),
	}); err != nil {
		slog.Error("message log append failed", "chat", msg.ChatID, "error", err)
	}

	content := strings.TrimSpace(msg.Content)
	group, registered := p.groups.ByChat(msg.ChatID)

	// Admin command surface. Parsed before the registration gate so the
	// first add-group on a fresh install can bootstrap the main group.
	if strings.HasPrefix(content, "/dotclaw") {
		p.handleAdminCommand(msg, group, registered)
		return
	}

	if !registered {
		return
	}

	// Short cancel phrases abort the in-flight run for this chat.
	if cancelPhrases[strings.ToLower(content)] {
		p.cancelActiveRun(msg)
		return
	}

	// Group chats only trigger when the bot is addressed or the group's
	// trigger regex matches.
	if msg.IsGroup && !msg.BotMentioned && !msg.BotReplied && !p.groups.TriggerMatches(msg.ChatID, content) {
		return
	}

	// Rate check per accepted message: respond once, drop the message.
	providerName, _, _ := strings.Cut(msg.ChatID, ":")
	if res := p.limiter.Check(ratelimit.Key(providerName, msg.SenderID)); !res.Allowed {
		wait := int(math.Ceil(res.RetryAfter.Seconds()))
		p.sendReply(msg.ChatID,
			fmt.Sprintf("You're sending messages too quickly. Please wait %d seconds and try again.", wait),
			msg.ThreadID, "")
		return
	}

	inserted, err := p.store.EnqueueMessage(store.QueuedMessage{
		ChatJID:         msg.ChatID,
		MessageID:       msg.MessageID,
		SenderID:        msg.SenderID,
		SenderName:      msg.SenderName,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		IsGroup:         msg.IsGroup,
		ChatType:        string(msg.ChatType),
		MessageThreadID: msg.ThreadID,
		AttachmentsJSON: attachmentsJSON(msg.Attachments),
	})
	if err != nil {
		slog.Error("enqueue failed", "chat", msg.ChatID, "error", err)
		return
	}
	if !inserted {
		slog.Debug("duplicate message absorbed", "chat", msg.ChatID, "message", msg.MessageID)
		return
	}

	p.EnsureDrain(msg.ChatID)
}

// HandleReaction resolves a reaction into trace feedback.
func (p *Pipeline) HandleReaction(chatID, messageID, userID, emoji string) {
	link, err := p.store.TraceLinkFor(chatID, messageID)
	if err != nil {
		slog.Warn("trace link lookup failed", "chat", chatID, "error", err)
		return
	}
	traceID := ""
	if link != nil {
		traceID = link.TraceID
	}
	if err := p.store.RecordFeedback(store.Feedback{
		ChatJID:   chatID,
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		TraceID:   traceID,
	}); err != nil {
		slog.Warn("feedback record failed", "chat", chatID, "error", err)
	}
}

// HandleButtonClick resolves an inline-button payload through the TTL
// callback store and enqueues the resolved command as a synthetic message.
func (p *Pipeline) HandleButtonClick(chatID, senderID, senderName, label, data string, threadID int) {
	command, ok := p.callbacks.get(data)
	if !ok {
		slog.Debug("expired button callback ignored", "chat", chatID, "data", data)
		return
	}
	now := time.Now()
	p.HandleMessage(bus.IncomingMessage{
		ChatID:     chatID,
		MessageID:  fmt.Sprintf("button-%d", now.UnixNano()),
		SenderID:   senderID,
		SenderName: senderName,
		Content:    command,
		Timestamp:  now,
		ThreadID:   threadID,
		// Button clicks are always addressed to the bot.
		BotMentioned: true,
	})
}

// RegisterCallback stores an inline-button payload for five minutes and
// returns the opaque key to embed as callback data.
func (p *Pipeline) RegisterCallback(command string) string {
	return p.callbacks.put(command)
}

// EnsureDrain spawns a drain for the chat unless one is already active.
func (p *Pipeline) EnsureDrain(chatID string) {
	p.mu.Lock()
	if p.activeDrains[chatID] {
		p.mu.Unlock()
		return
	}
	p.activeDrains[chatID] = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.activeDrains, chatID)
			p.mu.Unlock()
		}()
		p.drain(chatID)
	}()
}

// ResumePending re-drains every registered chat with pending queue rows.
// Called at startup and after wake recovery.
func (p *Pipeline) ResumePending() {
	chats, err := p.store.ChatsWithPending()
	if err != nil {
		slog.Error("pending chat scan failed", "error", err)
		return
	}
	for _, chatID := range chats {
		if _, ok := p.groups.ByChat(chatID); !ok {
			continue
		}
		p.EnsureDrain(chatID)
	}
}

// cancelActiveRun aborts the running agent for the chat, clears queued
// triggers, and acknowledges.
func (p *Pipeline) cancelActiveRun(msg bus.IncomingMessage) {
	p.mu.Lock()
	cancel, running := p.activeRuns[msg.ChatID]
	p.mu.Unlock()

	if running {
		cancel()
	}

	// Clear any queued triggers so the next drain finds nothing stale.
	if batch, err := p.store.ClaimBatchForChat(msg.ChatID, p.cfg.BatchWindow(), p.cfg.MaxBatchSize); err == nil && len(batch) > 0 {
		ids := make([]int64, len(batch))
		for i, q := range batch {
			ids[i] = q.AutoID
		}
		if err := p.store.DeleteQueuedMessages(ids); err != nil {
			slog.Warn("failed to clear queued trigger on cancel", "chat", msg.ChatID, "error", err)
		}
	}

	reply := "Nothing to cancel right now."
	if running {
		reply = "Okay, canceled."
	}
	p.sendReply(msg.ChatID, reply, msg.ThreadID, "")
}

// Shutdown stops accepting, aborts active runs and waits up to timeout for
// drains to finish. Idempotent.
func (p *Pipeline) Shutdown(timeout time.Duration) {
	if !p.accepting.CompareAndSwap(true, false) {
		return
	}
	close(p.shutdown)

	p.mu.Lock()
	for chatID, cancel := range p.activeRuns {
		slog.Info("aborting active run for shutdown", "chat", chatID)
		cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("drains did not finish before shutdown deadline")
	}
}

// sendReply sends text to a chat and records it in the message log. When
// traceID is non-empty the sent message is linked to the trace.
func (p *Pipeline) sendReply(chatID, text string, threadID int, traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := &bus.SendOptions{ThreadID: threadID}
	res, err := p.providers.SendMessage(ctx, chatID, text, opts)
	if err != nil || !res.Success {
		slog.Error("reply send failed", "chat", chatID, "error", err)
		return
	}

	now := time.Now()
	if err := p.store.RecordMessage(store.Message{
		ID:         res.MessageID,
		ChatJID:    chatID,
		SenderName: "dotclaw",
		Content:    text,
		Timestamp:  now,
		IsOutbound: true,
	}); err != nil {
		slog.Warn("outbound log append failed", "chat", chatID, "error", err)
	}
	if traceID != "" && res.MessageID != "" {
		if err := p.store.SaveTraceLink(store.TraceLink{
			SentMessageID: res.MessageID,
			ChatJID:       chatID,
			TraceID:       traceID,
		}); err != nil {
			slog.Warn("trace link save failed", "chat", chatID, "error", err)
		}
	}
}

func (p *Pipeline) emitHook(event string, payload any) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.hooks.Emit(ctx, event, payload)
}
