// Package hooks runs user-defined subprocess hooks for a fixed event set.
// Async hooks are fire-and-forget under a global concurrency cap; blocking
// hooks run sequentially and may cancel further processing by printing
// {"cancel": true} on stdout.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

// Bus dispatches hook events to configured scripts.
type Bus struct {
	cfg config.HooksConfig
	sem chan struct{}
}

// New creates a hook bus. A nil-script config yields a bus whose Emit is a
// cheap no-op.
func New(cfg config.HooksConfig) *Bus {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 8
	}
	return &Bus{cfg: cfg, sem: make(chan struct{}, max)}
}

type cancelDoc struct {
	Cancel bool `json:"cancel"`
}

// Emit dispatches the event to all matching scripts. Returns true when any
// blocking script requested cancellation. Unknown events are dropped with a
// warning.
func (b *Bus) Emit(ctx context.Context, event string, payload any) bool {
	if !protocol.HookEvents[event] {
		slog.Warn("unknown hook event", "event", event)
		return false
	}

	var matched []config.HookScript
	for _, s := range b.cfg.Scripts {
		if s.Event == event {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("hook payload marshal failed", "event", event, "error", err)
		return false
	}

	cancel := false
	for _, script := range matched {
		if script.Blocking {
			out, err := b.runScript(ctx, event, script, body)
			if err != nil {
				slog.Warn("blocking hook failed", "event", event, "command", script.Command, "error", err)
				continue
			}
			var doc cancelDoc
			if json.Unmarshal(bytes.TrimSpace(out), &doc) == nil && doc.Cancel {
				cancel = true
			}
			continue
		}

		select {
		case b.sem <- struct{}{}:
			go func(script config.HookScript) {
				defer func() { <-b.sem }()
				if _, err := b.runScript(context.Background(), event, script, body); err != nil {
					slog.Warn("async hook failed", "event", event, "command", script.Command, "error", err)
				}
			}(script)
		default:
			slog.Warn("async hook skipped: concurrency cap reached", "event", event, "command", script.Command)
		}
	}
	return cancel
}

func (b *Bus) runScript(ctx context.Context, event string, script config.HookScript, payload []byte) ([]byte, error) {
	timeout := time.Duration(script.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(b.cfg.DefaultTimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", script.Command)
	cmd.Env = append(os.Environ(), protocol.HookEventEnv+"="+event)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	if err := cmd.Run(); err != nil {
		// Non-zero exits warn but do not fail the flow.
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}
