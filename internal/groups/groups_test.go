package groups

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		folder  string
		wantErr error
	}{
		{"simple slug", "family", nil},
		{"digits and dashes", "team-42", nil},
		{"underscore", "ops_crew", nil},
		{"uppercase rejected", "Family", ErrInvalidFolder},
		{"dot-dot rejected", "..", ErrInvalidFolder},
		{"absolute rejected", "/etc", ErrInvalidFolder},
		{"leading dash rejected", "-x", ErrInvalidFolder},
		{"empty rejected", "", ErrInvalidFolder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := loadTestRegistry(t)
			err := r.Register("telegram:1", Group{Name: "Test", Folder: tt.folder})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRegisterUniqueness(t *testing.T) {
	r := loadTestRegistry(t)

	require.NoError(t, r.Register("telegram:1", Group{Name: "A", Folder: "alpha"}))

	// One chat, one group.
	err := r.Register("telegram:1", Group{Name: "B", Folder: "beta"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Folder names are unique across chats.
	err = r.Register("telegram:2", Group{Name: "C", Folder: "alpha"})
	assert.ErrorIs(t, err, ErrFolderTaken)
}

func TestUnregisterProtectsMain(t *testing.T) {
	r := loadTestRegistry(t)

	require.NoError(t, r.Register("telegram:1", Group{Name: "Main", Folder: "main"}))
	require.NoError(t, r.Register("telegram:2", Group{Name: "Side", Folder: "side"}))

	assert.ErrorIs(t, r.Unregister("telegram:1"), ErrMainProtected)
	assert.NoError(t, r.Unregister("telegram:2"))
	assert.ErrorIs(t, r.Unregister("telegram:2"), ErrGroupNotFound)
}

func TestUnregisterDropsSession(t *testing.T) {
	r := loadTestRegistry(t)

	require.NoError(t, r.Register("telegram:2", Group{Name: "Side", Folder: "side"}))
	require.NoError(t, r.SetSession("side", "sess-1"))

	require.NoError(t, r.Unregister("telegram:2"))
	_, ok := r.Session("side")
	assert.False(t, ok)
}

func TestTriggerMatches(t *testing.T) {
	r := loadTestRegistry(t)

	require.NoError(t, r.Register("telegram:1", Group{Name: "Bot", Folder: "bot", Trigger: `(?i)\bclaw\b`}))
	require.NoError(t, r.Register("telegram:2", Group{Name: "Open", Folder: "open"}))

	assert.True(t, r.TriggerMatches("telegram:1", "hey Claw, what's up"))
	assert.False(t, r.TriggerMatches("telegram:1", "unrelated chatter"))

	// No trigger configured: always matches.
	assert.True(t, r.TriggerMatches("telegram:2", "anything"))
}

func TestSetModelOverride(t *testing.T) {
	r := loadTestRegistry(t)

	require.NoError(t, r.Register("telegram:1", Group{Name: "A", Folder: "alpha"}))

	require.NoError(t, r.SetModelOverride("alpha", "claude-opus"))
	g, ok := r.ByChat("telegram:1")
	require.True(t, ok)
	assert.Equal(t, "claude-opus", g.ModelOverride)

	require.NoError(t, r.SetModelOverride("alpha", ""))
	g, _ = r.ByChat("telegram:1")
	assert.Empty(t, g.ModelOverride)

	assert.ErrorIs(t, r.SetModelOverride("missing", "x"), ErrGroupNotFound)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	r, err := Load(dir)
	require.NoError(t, err)
	require.NoError(t, r.Register("telegram:1", Group{Name: "Main", Folder: "main", Trigger: "hey"}))
	require.NoError(t, r.SetSession("main", "sess-9"))

	// A fresh registry over the same dir sees the same state.
	r2, err := Load(dir)
	require.NoError(t, err)

	g, ok := r2.ByChat("telegram:1")
	require.True(t, ok)
	assert.Equal(t, "main", g.Folder)
	assert.True(t, r2.TriggerMatches("telegram:1", "hey there"))

	sess, ok := r2.Session("main")
	require.True(t, ok)
	assert.Equal(t, "sess-9", sess)

	chatID, ok := r2.MainChatID()
	require.True(t, ok)
	assert.Equal(t, "telegram:1", chatID)
}
