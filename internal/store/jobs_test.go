package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id string, priority int) BackgroundJob {
	return BackgroundJob{
		ID:          id,
		GroupFolder: "main",
		ChatJID:     "telegram:1",
		Prompt:      "long running work",
		ContextMode: ContextIsolated,
		TimeoutMS:   60000,
		Priority:    priority,
	}
}

func TestClaimBackgroundJobOrder(t *testing.T) {
	s := openTestStore(t)

	// Same priority: FIFO by created_at. Higher priority jumps the queue.
	require.NoError(t, s.CreateBackgroundJob(job("j-old", 0)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.CreateBackgroundJob(job("j-new", 0)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.CreateBackgroundJob(job("j-urgent", 5)))

	var order []string
	for {
		j, err := s.ClaimBackgroundJob(time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
		assert.Equal(t, JobRunning, j.Status)
		assert.NotNil(t, j.StartedAt)
		assert.NotNil(t, j.LeaseExpiresAt)
	}
	assert.Equal(t, []string{"j-urgent", "j-old", "j-new"}, order)
}

func TestRenewBackgroundJobLease(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBackgroundJob(job("j1", 0)))
	claimed, err := s.ClaimBackgroundJob(time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.RenewBackgroundJobLease("j1", time.Hour))

	got, err := s.GetBackgroundJob("j1")
	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.After(time.Now().Add(30*time.Minute)))

	// Only running jobs can renew.
	require.NoError(t, s.FinishBackgroundJob("j1", JobSucceeded, "done", "", "", false))
	assert.ErrorIs(t, s.RenewBackgroundJobLease("j1", time.Hour), ErrNotFound)
}

func TestResetStalledBackgroundJobs(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBackgroundJob(job("j1", 0)))

	// Claim with an already-expired lease to simulate a dead worker.
	claimed, err := s.ClaimBackgroundJob(-time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	n, err := s.ResetStalledBackgroundJobs()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetBackgroundJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.LeaseExpiresAt)
}

func TestCancelQueuedJob(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBackgroundJob(job("j1", 0)))

	ok, err := s.CancelQueuedJob("j1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetBackgroundJob("j1")
	require.NoError(t, err)
	assert.Equal(t, JobCanceled, got.Status)

	// Already out of the queue: no transition.
	ok, err = s.CancelQueuedJob("j1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueuePosition(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBackgroundJob(job("j1", 0)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.CreateBackgroundJob(job("j2", 0)))

	pos, total, err := s.QueuePosition("j2")
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 2, total)

	// A running job no longer holds a queue position.
	_, err = s.ClaimBackgroundJob(time.Minute)
	require.NoError(t, err)

	pos, total, err = s.QueuePosition("j1")
	require.NoError(t, err)
	assert.Zero(t, pos)
	assert.Equal(t, 1, total)
}

func TestJobEventsAppendOrder(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateBackgroundJob(job("j1", 0)))
	require.NoError(t, s.AppendJobEvent("j1", EventInfo, "started", ""))
	require.NoError(t, s.AppendJobEvent("j1", EventProgress, "halfway", `{"pct":50}`))

	events, err := s.JobEvents("j1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Message)
	assert.Equal(t, "halfway", events[1].Message)
	assert.Equal(t, `{"pct":50}`, events[1].DataJSON)
}

func TestGetBackgroundJobNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetBackgroundJob("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
