package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackStorePutGet(t *testing.T) {
	c := newCallbackStore(5 * time.Minute)

	key := c.put("/dotclaw remove-group side")
	require.Len(t, key, 8)

	cmd, ok := c.get(key)
	require.True(t, ok)
	assert.Equal(t, "/dotclaw remove-group side", cmd)

	// Distinct commands get distinct keys.
	other := c.put("/dotclaw groups")
	assert.NotEqual(t, key, other)

	_, ok = c.get("unknown!")
	assert.False(t, ok)
}

func TestCallbackStoreExpiry(t *testing.T) {
	now := time.Now()
	c := newCallbackStore(5 * time.Minute)
	c.now = func() time.Time { return now }

	key := c.put("confirm")

	now = now.Add(4 * time.Minute)
	_, ok := c.get(key)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get(key)
	assert.False(t, ok)

	// Expired entries are also removed, not just hidden.
	c.mu.Lock()
	_, present := c.entries[key]
	c.mu.Unlock()
	assert.False(t, present)
}
