package store

import (
	"database/sql"
	"fmt"
	"time"
)

const jobColumns = `id, group_folder, chat_jid, prompt, context_mode, status,
	created_at, updated_at, started_at, finished_at, timeout_ms, max_tool_steps,
	COALESCE(tool_policy_json, ''), model_override, priority, tags, spawned_by,
	parent_trace_id, parent_message_id, result_summary, output_path,
	output_truncated, last_error, lease_expires_at, retry_count`

// CreateBackgroundJob inserts a job in the queued state.
func (s *Store) CreateBackgroundJob(j BackgroundJob) error {
	now := fmtTime(time.Now())
	var policy any
	if j.ToolPolicyJSON != "" {
		policy = j.ToolPolicyJSON
	}
	_, err := s.db.Exec(
		`INSERT INTO background_jobs
		   (id, group_folder, chat_jid, prompt, context_mode, status, created_at, updated_at,
		    timeout_ms, max_tool_steps, tool_policy_json, model_override, priority, tags,
		    spawned_by, parent_trace_id, parent_message_id)
		 VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.GroupFolder, j.ChatJID, j.Prompt, j.ContextMode, now, now,
		j.TimeoutMS, j.MaxToolSteps, policy, j.ModelOverride, j.Priority, j.Tags,
		j.SpawnedBy, j.ParentTraceID, j.ParentMessageID,
	)
	if err != nil {
		return fmt.Errorf("create background job: %w", err)
	}
	return nil
}

// GetBackgroundJob returns one job by id.
func (s *Store) GetBackgroundJob(id string) (*BackgroundJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get background job: %w", err)
	}
	return j, nil
}

// ListBackgroundJobs returns jobs for a group, newest first, bounded by limit.
func (s *Store) ListBackgroundJobs(groupFolder string, limit int) ([]BackgroundJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM background_jobs`
	var args []any
	if groupFolder != "" {
		query += ` WHERE group_folder = ?`
		args = append(args, groupFolder)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list background jobs: %w", err)
	}
	defer rows.Close()

	var out []BackgroundJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimBackgroundJob atomically takes the highest-priority queued job
// (priority DESC, created_at ASC tie-break), transitions it to running and
// sets the lease. Returns nil when the queue is empty.
func (s *Store) ClaimBackgroundJob(leaseTTL time.Duration) (*BackgroundJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT ` + jobColumns + ` FROM background_jobs
		 WHERE status = 'queued'
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1`,
	)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queued job: %w", err)
	}

	now := time.Now()
	lease := now.Add(leaseTTL)
	if _, err := tx.Exec(
		`UPDATE background_jobs
		 SET status = 'running', started_at = ?, updated_at = ?, lease_expires_at = ?
		 WHERE id = ?`,
		fmtTime(now), fmtTime(now), fmtTime(lease), j.ID,
	); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", j.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}

	j.Status = JobRunning
	j.StartedAt = &now
	j.LeaseExpiresAt = &lease
	return j, nil
}

// RenewBackgroundJobLease extends a running job's lease.
func (s *Store) RenewBackgroundJobLease(id string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE background_jobs SET lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		fmtTime(now.Add(ttl)), fmtTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("renew job lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishBackgroundJob records the terminal outcome of a job.
func (s *Store) FinishBackgroundJob(id, status, summary, errMsg, outputPath string, truncated bool) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(
		`UPDATE background_jobs
		 SET status = ?, result_summary = ?, last_error = ?, output_path = ?,
		     output_truncated = ?, finished_at = ?, updated_at = ?, lease_expires_at = NULL
		 WHERE id = ?`,
		status, summary, errMsg, outputPath, truncated, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish background job: %w", err)
	}
	return nil
}

// CancelQueuedJob transitions a queued job straight to canceled. Reports
// whether the transition happened (false means the job already left the
// queue).
func (s *Store) CancelQueuedJob(id string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(
		`UPDATE background_jobs
		 SET status = 'canceled', finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'queued'`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel queued job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetStalledBackgroundJobs moves running jobs whose lease has expired back
// to queued, preserving retry_count. Returns the number recovered.
func (s *Store) ResetStalledBackgroundJobs() (int64, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(
		`UPDATE background_jobs
		 SET status = 'queued', started_at = NULL, lease_expires_at = NULL,
		     retry_count = retry_count + 1, updated_at = ?
		 WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stalled jobs: %w", err)
	}
	return res.RowsAffected()
}

// QueuePosition returns the job's 1-based position among queued jobs and the
// queue length. Position 0 means the job is no longer queued.
func (s *Store) QueuePosition(id string) (pos, total int, err error) {
	rows, err := s.db.Query(
		`SELECT id FROM background_jobs WHERE status = 'queued'
		 ORDER BY priority DESC, created_at ASC`,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("queue position: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rowID string
		if err := rows.Scan(&rowID); err != nil {
			return 0, 0, err
		}
		total++
		if rowID == id {
			pos = total
		}
	}
	return pos, total, rows.Err()
}

// AppendJobEvent records one append-only job event.
func (s *Store) AppendJobEvent(jobID, level, message, dataJSON string) error {
	var data any
	if dataJSON != "" {
		data = dataJSON
	}
	_, err := s.db.Exec(
		`INSERT INTO background_job_events (job_id, created_at, level, message, data_json)
		 VALUES (?, ?, ?, ?, ?)`,
		jobID, fmtTime(time.Now()), level, message, data,
	)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// JobEvents returns a job's events in append order.
func (s *Store) JobEvents(jobID string) ([]JobEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, created_at, level, message, COALESCE(data_json, '')
		 FROM background_job_events WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("job events: %w", err)
	}
	defer rows.Close()

	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		var created string
		if err := rows.Scan(&e.ID, &e.JobID, &created, &e.Level, &e.Message, &e.DataJSON); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanJob(r rowScanner) (*BackgroundJob, error) {
	var j BackgroundJob
	var created, updated string
	var started, finished, lease sql.NullString
	err := r.Scan(&j.ID, &j.GroupFolder, &j.ChatJID, &j.Prompt, &j.ContextMode, &j.Status,
		&created, &updated, &started, &finished, &j.TimeoutMS, &j.MaxToolSteps,
		&j.ToolPolicyJSON, &j.ModelOverride, &j.Priority, &j.Tags, &j.SpawnedBy,
		&j.ParentTraceID, &j.ParentMessageID, &j.ResultSummary, &j.OutputPath,
		&j.OutputTruncated, &j.LastError, &lease, &j.RetryCount)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	j.StartedAt = parseTimePtr(started)
	j.FinishedAt = parseTimePtr(finished)
	j.LeaseExpiresAt = parseTimePtr(lease)
	return &j, nil
}
