package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queued(chatID, messageID string, ts time.Time) QueuedMessage {
	return QueuedMessage{
		ChatJID:    chatID,
		MessageID:  messageID,
		SenderID:   "user-1",
		SenderName: "Alice",
		Content:    "hello " + messageID,
		Timestamp:  ts,
		ChatType:   "private",
	}
}

func TestEnqueueMessageIdempotent(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	inserted, err := s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Provider redelivery of the same (chat, message) is absorbed.
	inserted, err = s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same message id on another chat is a distinct row.
	inserted, err = s.EnqueueMessage(queued("telegram:2", "m1", now))
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestClaimBatchWindowBoundary(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	// Two messages inside the window of the oldest, one outside.
	for _, m := range []QueuedMessage{
		queued("telegram:1", "m1", base),
		queued("telegram:1", "m2", base.Add(3*time.Second)),
		queued("telegram:1", "m3", base.Add(20*time.Second)),
	} {
		_, err := s.EnqueueMessage(m)
		require.NoError(t, err)
	}

	batch, err := s.ClaimBatchForChat("telegram:1", 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].MessageID)
	assert.Equal(t, "m2", batch[1].MessageID)
	for _, q := range batch {
		assert.Equal(t, QueuedClaimed, q.Status)
	}

	// The straggler is claimable on the next pass; claimed rows are not
	// handed out twice.
	batch, err = s.ClaimBatchForChat("telegram:1", 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "m3", batch[0].MessageID)

	batch, err = s.ClaimBatchForChat("telegram:1", 5*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestClaimBatchExactWindowDelta(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	// A delta of exactly the batch window still belongs to the same batch;
	// only strictly later messages start the next one.
	for _, m := range []QueuedMessage{
		queued("telegram:1", "m1", base),
		queued("telegram:1", "m2", base.Add(5*time.Second)),
	} {
		_, err := s.EnqueueMessage(m)
		require.NoError(t, err)
	}

	batch, err := s.ClaimBatchForChat("telegram:1", 5*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "m1", batch[0].MessageID)
	assert.Equal(t, "m2", batch[1].MessageID)
}

func TestClaimBatchMaxSize(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Minute)

	for i := 0; i < 5; i++ {
		_, err := s.EnqueueMessage(queued("telegram:1", string(rune('a'+i)), base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	batch, err := s.ClaimBatchForChat("telegram:1", time.Minute, 3)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
}

func TestClaimBatchScopedToChat(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	_, err := s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)
	_, err = s.EnqueueMessage(queued("discord:abc", "m1", now))
	require.NoError(t, err)

	batch, err := s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "telegram:1", batch[0].ChatJID)
}

func TestRequeueIncrementsAttemptCount(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	_, err := s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)

	batch, err := s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 0, batch[0].AttemptCount)

	require.NoError(t, s.RequeueQueuedMessages([]int64{batch[0].AutoID}, "agent unavailable"))

	batch, err = s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].AttemptCount)
}

func TestCompleteAndFailRemoveFromPending(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	_, err := s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)
	_, err = s.EnqueueMessage(queued("telegram:1", "m2", now))
	require.NoError(t, err)

	batch, err := s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	require.NoError(t, s.CompleteQueuedMessages([]int64{batch[0].AutoID}))
	require.NoError(t, s.FailQueuedMessages([]int64{batch[1].AutoID}, "terminal"))

	chats, err := s.ChatsWithPending()
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestResetStalledMessages(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	_, err := s.EnqueueMessage(queued("telegram:1", "m1", now))
	require.NoError(t, err)

	_, err = s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)

	// Fresh claim survives a generous threshold.
	n, err := s.ResetStalledMessages(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A zero threshold treats any claim as abandoned.
	time.Sleep(5 * time.Millisecond)
	n, err = s.ResetStalledMessages(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	chats, err := s.ChatsWithPending()
	require.NoError(t, err)
	assert.Equal(t, []string{"telegram:1"}, chats)
}

func TestAttachmentsJSONRoundTrip(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	q := queued("telegram:1", "m1", now)
	q.AttachmentsJSON = `[{"type":"photo","provider_ref":"abc"}]`
	_, err := s.EnqueueMessage(q)
	require.NoError(t, err)

	batch, err := s.ClaimBatchForChat("telegram:1", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, q.AttachmentsJSON, batch[0].AttachmentsJSON)
}
