package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dotclaw/dotclaw/internal/bus"
)

// Registry holds the active providers and routes outbound calls by chat-ID
// prefix. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its Name(). Replaces any previous provider
// with the same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns a snapshot of the registered providers.
func (r *Registry) All() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Resolve splits a prefixed chat ID ("telegram:-100123") into its owning
// provider and the provider-local chat ID.
func (r *Registry) Resolve(chatID string) (Provider, string, error) {
	name, local, ok := strings.Cut(chatID, ":")
	if !ok {
		return nil, "", fmt.Errorf("chat ID %q has no provider prefix", chatID)
	}
	p, found := r.Get(name)
	if !found {
		return nil, "", fmt.Errorf("no provider registered for %q", name)
	}
	return p, local, nil
}

// SendMessage routes an outbound text to the provider owning chatID.
func (r *Registry) SendMessage(ctx context.Context, chatID, text string, opts *bus.SendOptions) (bus.SendResult, error) {
	p, local, err := r.Resolve(chatID)
	if err != nil {
		return bus.SendResult{}, err
	}
	return p.SendMessage(ctx, local, text, opts)
}

// StartAll starts every registered provider with the given handlers.
// A provider that fails to start is logged and skipped; the rest continue.
func (r *Registry) StartAll(ctx context.Context, handlers bus.Handlers) {
	for _, p := range r.All() {
		slog.Info("starting provider", "provider", p.Name())
		if err := p.Start(ctx, handlers); err != nil {
			slog.Error("failed to start provider", "provider", p.Name(), "error", err)
		}
	}
}

// StopAll stops every registered provider.
func (r *Registry) StopAll(ctx context.Context) {
	for _, p := range r.All() {
		slog.Info("stopping provider", "provider", p.Name())
		if err := p.Stop(ctx); err != nil {
			slog.Error("error stopping provider", "provider", p.Name(), "error", err)
		}
	}
}

// RestartAll stops and restarts every connected provider with the given
// handlers. Used by wake recovery after a host suspend.
func (r *Registry) RestartAll(ctx context.Context, handlers bus.Handlers) {
	for _, p := range r.All() {
		if !p.IsConnected() {
			continue
		}
		slog.Info("restarting provider after wake", "provider", p.Name())
		if err := p.Stop(ctx); err != nil {
			slog.Warn("error stopping provider for restart", "provider", p.Name(), "error", err)
		}
		if err := p.Start(ctx, handlers); err != nil {
			slog.Error("failed to restart provider", "provider", p.Name(), "error", err)
		}
	}
}

// PrefixChatID builds a provider-prefixed chat ID.
func PrefixChatID(providerName, localID string) string {
	return providerName + ":" + localID
}
