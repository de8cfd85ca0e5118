package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotclaw/dotclaw/internal/store"
)

// FirstRun computes the initial next_run for a freshly scheduled task. A
// once-task with a past timestamp is due immediately.
func FirstRun(scheduleType, value, tz string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleOnce:
		at, err := parseOnce(value, now)
		if err != nil {
			return nil, err
		}
		return at, nil
	default:
		return NextRun(scheduleType, value, tz, now)
	}
}

// NextRun computes the run after a successful execution. Returns (nil, nil)
// for once-tasks, which transition to completed instead.
func NextRun(scheduleType, value, tz string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		loc, err := location(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		if !gronx.New().IsValid(value) {
			return nil, fmt.Errorf("invalid cron expression %q", value)
		}
		next, err := gronx.NextTickAfter(value, now.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", value, err)
		}
		n := next.UTC()
		return &n, nil

	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		n := now.Add(d).UTC()
		return &n, nil

	case store.ScheduleOnce:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
	}
}

// parseInterval accepts a millisecond count ("30000") or a Go duration
// ("5m"). Intervals must be positive.
func parseInterval(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("invalid interval %q: must be positive", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", value)
	}
	return d, nil
}

// parseOnce accepts an RFC 3339 timestamp or a millisecond offset from now.
func parseOnce(value string, now time.Time) (*time.Time, error) {
	if at, err := time.Parse(time.RFC3339, value); err == nil {
		u := at.UTC()
		return &u, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
		at := now.Add(time.Duration(ms) * time.Millisecond).UTC()
		return &at, nil
	}
	return nil, fmt.Errorf("invalid once schedule %q: want RFC 3339 time or millisecond offset", value)
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}

// RelativeTime phrases a future instant for chat notifications: "in about
// 20 minutes", "tomorrow", "in 3 days".
func RelativeTime(t, now time.Time) string {
	d := t.Sub(now)
	switch {
	case d < time.Minute:
		return "in under a minute"
	case d < 90*time.Minute:
		m := int(d.Round(time.Minute) / time.Minute)
		if m == 1 {
			return "in about a minute"
		}
		return fmt.Sprintf("in about %d minutes", m)
	case d < 24*time.Hour:
		h := int(d.Round(time.Hour) / time.Hour)
		if sameDay(t, now.Add(24*time.Hour)) {
			return "tomorrow"
		}
		if h == 1 {
			return "in about an hour"
		}
		return fmt.Sprintf("in about %d hours", h)
	case d < 48*time.Hour:
		return "tomorrow"
	default:
		return fmt.Sprintf("in %d days", int(d/(24*time.Hour)))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
