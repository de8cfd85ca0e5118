package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// callbackStore maps short opaque keys to inline-button payloads. Provider
// callback data fields are length-limited, so the full command lives here
// and only the key travels over the wire. Entries expire after ttl.
type callbackStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]callbackEntry
	now     func() time.Time
}

type callbackEntry struct {
	command   string
	expiresAt time.Time
}

func newCallbackStore(ttl time.Duration) *callbackStore {
	return &callbackStore{
		ttl:     ttl,
		entries: make(map[string]callbackEntry),
		now:     time.Now,
	}
}

func (c *callbackStore) put(command string) string {
	key := uuid.NewString()[:8]
	c.mu.Lock()
	c.entries[key] = callbackEntry{command: command, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return key
}

func (c *callbackStore) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return "", false
	}
	return e.command, true
}

// run sweeps expired entries once a minute until done closes.
func (c *callbackStore) run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
