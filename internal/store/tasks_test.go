package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string, nextRun *time.Time) ScheduledTask {
	return ScheduledTask{
		ID:            id,
		GroupFolder:   "main",
		ChatJID:       "telegram:1",
		Prompt:        "check the logs",
		ScheduleType:  ScheduleInterval,
		ScheduleValue: "30000",
		Timezone:      "UTC",
		ContextMode:   ContextIsolated,
		NextRun:       nextRun,
		Status:        TaskActive,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestClaimDueTasks(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t-due", timePtr(now.Add(-time.Minute)))))
	require.NoError(t, s.CreateTask(task("t-future", timePtr(now.Add(time.Hour)))))

	paused := task("t-paused", timePtr(now.Add(-time.Minute)))
	paused.Status = TaskPaused
	require.NoError(t, s.CreateTask(paused))

	claimed, err := s.ClaimDueTasks()
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "t-due", claimed[0].ID)
	assert.NotNil(t, claimed[0].RunningSince)

	// A claimed task is not handed out again.
	claimed, err = s.ClaimDueTasks()
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimTaskRejectsRunning(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t1", timePtr(now.Add(time.Hour)))))

	first, err := s.ClaimTask("t1")
	require.NoError(t, err)
	assert.NotNil(t, first.RunningSince)

	_, err = s.ClaimTask("t1")
	assert.ErrorIs(t, err, ErrTaskRunning)

	_, err = s.ClaimTask("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateTaskAfterRunReleasesClaim(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t1", timePtr(now.Add(-time.Minute)))))
	_, err := s.ClaimTask("t1")
	require.NoError(t, err)

	next := now.Add(30 * time.Second)
	require.NoError(t, s.UpdateTaskAfterRun("t1", &next, "done", "", 0, TaskActive))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Nil(t, got.RunningSince)
	assert.Equal(t, "done", got.LastResult)
	assert.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, next, *got.NextRun, time.Second)

	// Claimable again after release.
	_, err = s.ClaimTask("t1")
	assert.NoError(t, err)
}

func TestSetTaskStatusResetsRetries(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t1", timePtr(now))))
	require.NoError(t, s.UpdateTaskAfterRun("t1", nil, "", "boom", 2, TaskActive))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryCount)

	next := now.Add(time.Minute)
	require.NoError(t, s.SetTaskStatus("t1", TaskActive, &next))

	got, err = s.GetTask("t1")
	require.NoError(t, err)
	assert.Zero(t, got.RetryCount)

	assert.ErrorIs(t, s.SetTaskStatus("missing", TaskPaused, nil), ErrNotFound)
}

func TestUpdateTaskSpecKeepsUnsetFields(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t1", timePtr(now))))

	// Only the prompt changes; schedule_value and next_run stay.
	require.NoError(t, s.UpdateTaskSpec("t1", "new prompt", "", nil))

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, "new prompt", got.Prompt)
	assert.Equal(t, "30000", got.ScheduleValue)
	assert.NotNil(t, got.NextRun)
}

func TestResetStalledTasks(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(task("t1", timePtr(now.Add(-time.Minute)))))
	_, err := s.ClaimTask("t1")
	require.NoError(t, err)

	n, err := s.ResetStalledTasks(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(5 * time.Millisecond)
	n, err = s.ResetStalledTasks(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Nil(t, got.RunningSince)
}
