package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id string, ts time.Time, content string) Message {
	return Message{
		ID:         id,
		ChatJID:    "telegram:1",
		SenderID:   "user-1",
		SenderName: "Alice",
		Content:    content,
		Timestamp:  ts,
	}
}

func TestCursorMonotonic(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	cur, err := s.GetCursor("telegram:1")
	require.NoError(t, err)
	assert.Nil(t, cur)

	require.NoError(t, s.AdvanceCursor("telegram:1", now, "m5"))

	cur, err = s.GetCursor("telegram:1")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "m5", cur.LastAgentMessageID)

	// Older position: no-op.
	require.NoError(t, s.AdvanceCursor("telegram:1", now.Add(-time.Minute), "m9"))
	cur, err = s.GetCursor("telegram:1")
	require.NoError(t, err)
	assert.Equal(t, "m5", cur.LastAgentMessageID)

	// Newer position advances.
	require.NoError(t, s.AdvanceCursor("telegram:1", now.Add(time.Minute), "m6"))
	cur, err = s.GetCursor("telegram:1")
	require.NoError(t, err)
	assert.Equal(t, "m6", cur.LastAgentMessageID)
}

func TestMessagesSinceCursorBounds(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	for i, content := range []string{"one", "two", "three", "four"} {
		m := msg("m"+string(rune('1'+i)), base.Add(time.Duration(i)*time.Second), content)
		require.NoError(t, s.RecordMessage(m))
	}

	// No cursor: everything up to and including the trigger bound.
	got, err := s.MessagesSinceCursor("telegram:1", nil, base.Add(2*time.Second), "m3")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "three", got[2].Content)

	// With a cursor at m2: only the slice after it.
	cur := &Cursor{ChatID: "telegram:1", LastAgentTimestamp: base.Add(time.Second), LastAgentMessageID: "m2"}
	got, err = s.MessagesSinceCursor("telegram:1", cur, base.Add(3*time.Second), "m4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "four", got[1].Content)
}

func TestRecordMessageAbsorbsRedelivery(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.RecordMessage(msg("m1", now, "original")))
	require.NoError(t, s.RecordMessage(msg("m1", now, "redelivered")))

	got, err := s.MessagesSinceCursor("telegram:1", nil, now, "m1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Content)
}

func TestUpsertChatRefreshesName(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.UpsertChat("telegram:1", "Family", now))
	require.NoError(t, s.UpsertChat("telegram:1", "", now.Add(time.Minute)))

	chats, err := s.ListChats()
	require.NoError(t, err)
	require.Len(t, chats, 1)
	// An empty name on refresh keeps the original.
	assert.Equal(t, "Family", chats[0].Name)
}
