package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTaskRunning is returned when an operation requires the task to be idle.
var ErrTaskRunning = errors.New("task is currently running")

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
	timezone, context_mode, next_run, last_run, COALESCE(last_result, ''),
	COALESCE(state_json, ''), retry_count, COALESCE(last_error, ''),
	running_since, status, created_at`

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	_, err := s.db.Exec(
		`INSERT INTO scheduled_tasks
		   (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, timezone,
		    context_mode, next_run, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.Timezone, t.ContextMode, fmtTimePtr(t.NextRun), t.Status, fmtTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns one task by id.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered by group folder.
func (s *Store) ListTasks(groupFolder string) ([]ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ClaimDueTasks atomically selects every active task whose next_run has
// passed and is not already running, marking each with running_since=now.
// Two concurrent callers never receive the same task.
func (s *Store) ClaimDueTasks() ([]ScheduledTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	rows, err := tx.Query(
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ? AND running_since IS NULL
		 ORDER BY next_run`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("select due tasks: %w", err)
	}
	var claimed []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	for i := range claimed {
		if _, err := tx.Exec(
			`UPDATE scheduled_tasks SET running_since = ? WHERE id = ?`,
			now, claimed[i].ID,
		); err != nil {
			return nil, fmt.Errorf("claim task %s: %w", claimed[i].ID, err)
		}
		ts := parseTime(now)
		claimed[i].RunningSince = &ts
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return claimed, nil
}

// ClaimTask claims a single idle task for out-of-band execution
// (runTaskNow). Returns ErrTaskRunning when running_since is already set.
func (s *Store) ClaimTask(id string) (*ScheduledTask, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if t.RunningSince != nil {
		return nil, ErrTaskRunning
	}

	now := time.Now()
	if _, err := tx.Exec(
		`UPDATE scheduled_tasks SET running_since = ? WHERE id = ?`,
		fmtTime(now), id,
	); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	t.RunningSince = &now
	return t, nil
}

// UpdateTaskAfterRun clears running_since, records the run outcome and
// advances the schedule.
func (s *Store) UpdateTaskAfterRun(id string, nextRun *time.Time, summary, runErr string, retryCount int, status string) error {
	var errArg any
	if runErr != "" {
		errArg = runErr
	}
	_, err := s.db.Exec(
		`UPDATE scheduled_tasks
		 SET running_since = NULL, last_run = ?, last_result = ?, last_error = ?,
		     retry_count = ?, next_run = ?, status = ?
		 WHERE id = ?`,
		fmtTime(time.Now()), summary, errArg, retryCount, fmtTimePtr(nextRun), status, id,
	)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

// SetTaskStatus transitions a task between active/paused/completed. Pausing
// or completing clears next_run; resuming requires the caller to supply the
// recomputed next_run.
func (s *Store) SetTaskStatus(id, status string, nextRun *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET status = ?, next_run = ?, retry_count = 0 WHERE id = ?`,
		status, fmtTimePtr(nextRun), id,
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskSpec updates the mutable fields of a task definition.
func (s *Store) UpdateTaskSpec(id, prompt, scheduleValue string, nextRun *time.Time) error {
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks
		 SET prompt = CASE WHEN ? != '' THEN ? ELSE prompt END,
		     schedule_value = CASE WHEN ? != '' THEN ? ELSE schedule_value END,
		     next_run = COALESCE(?, next_run)
		 WHERE id = ?`,
		prompt, prompt, scheduleValue, scheduleValue, fmtTimePtr(nextRun), id,
	)
	if err != nil {
		return fmt.Errorf("update task spec: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTaskState persists opaque per-task state carried between runs.
func (s *Store) SaveTaskState(id, stateJSON string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET state_json = ? WHERE id = ?`, stateJSON, id)
	if err != nil {
		return fmt.Errorf("save task state: %w", err)
	}
	return nil
}

// DeleteTask removes a task definition.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetStalledTasks clears running_since on tasks whose claim is older than
// threshold (process died mid-run). Returns the number recovered.
func (s *Store) ResetStalledTasks(threshold time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-threshold))
	res, err := s.db.Exec(
		`UPDATE scheduled_tasks SET running_since = NULL
		 WHERE running_since IS NOT NULL AND running_since < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stalled tasks: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, runningSince sql.NullString
	var created string
	err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.Timezone, &t.ContextMode, &nextRun, &lastRun,
		&t.LastResult, &t.StateJSON, &t.RetryCount, &t.LastError,
		&runningSince, &t.Status, &created)
	if err != nil {
		return nil, err
	}
	t.NextRun = parseTimePtr(nextRun)
	t.LastRun = parseTimePtr(lastRun)
	t.RunningSince = parseTimePtr(runningSince)
	t.CreatedAt = parseTime(created)
	return &t, nil
}
