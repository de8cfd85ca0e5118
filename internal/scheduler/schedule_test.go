package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/store"
)

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{name: "milliseconds", value: "30000", want: now.Add(30 * time.Second)},
		{name: "go duration", value: "5m", want: now.Add(5 * time.Minute)},
		{name: "zero rejected", value: "0", wantErr: true},
		{name: "negative rejected", value: "-5m", wantErr: true},
		{name: "garbage rejected", value: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := NextRun(store.ScheduleInterval, tt.value, "UTC", now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, tt.want, *next)
		})
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	next, err := NextRun(store.ScheduleCron, "0 9 * * *", "UTC", now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next.UTC())

	_, err = NextRun(store.ScheduleCron, "not a cron", "UTC", now)
	assert.Error(t, err)

	_, err = NextRun(store.ScheduleCron, "0 9 * * *", "Atlantis/Nowhere", now)
	assert.Error(t, err)
}

func TestNextRunCronAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Eastern time springs forward on 2026-03-08. A daily 09:00 local task
	// fires at 14:00 UTC before the transition and 13:00 UTC after; the local
	// wall-clock hour must hold across consecutive runs.
	now := time.Date(2026, 3, 6, 10, 0, 0, 0, loc)

	before, err := NextRun(store.ScheduleCron, "0 9 * * *", "America/New_York", now)
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC), before.UTC())
	assert.Equal(t, 9, before.In(loc).Hour())

	after, err := NextRun(store.ScheduleCron, "0 9 * * *", "America/New_York", *before)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC), after.UTC())
	assert.Equal(t, 9, after.In(loc).Hour())

	following, err := NextRun(store.ScheduleCron, "0 9 * * *", "America/New_York", *after)
	require.NoError(t, err)
	require.NotNil(t, following)
	assert.Equal(t, time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC), following.UTC())
	assert.Equal(t, 9, following.In(loc).Hour())
}

func TestNextRunOnceIsNil(t *testing.T) {
	next, err := NextRun(store.ScheduleOnce, "whatever", "UTC", time.Now())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestFirstRunOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Absolute timestamp.
	at, err := FirstRun(store.ScheduleOnce, "2026-03-02T09:00:00Z", "UTC", now)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), *at)

	// Millisecond offset from now.
	at, err = FirstRun(store.ScheduleOnce, "60000", "UTC", now)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, now.Add(time.Minute), *at)

	// Past timestamps are accepted; the task becomes due immediately.
	at, err = FirstRun(store.ScheduleOnce, "2020-01-01T00:00:00Z", "UTC", now)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.True(t, at.Before(now))

	_, err = FirstRun(store.ScheduleOnce, "next tuesday", "UTC", now)
	assert.Error(t, err)
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"seconds away", now.Add(30 * time.Second), "in under a minute"},
		{"one minute", now.Add(time.Minute), "in about a minute"},
		{"twenty minutes", now.Add(20 * time.Minute), "in about 20 minutes"},
		{"next day", now.Add(26 * time.Hour), "tomorrow"},
		{"three days", now.Add(72 * time.Hour), "in 3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RelativeTime(tt.at, now))
		})
	}
}
