package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/store"
)

// TaskSpec describes a task to schedule.
type TaskSpec struct {
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string // "cron", "interval", "once"
	ScheduleValue string
	Timezone      string
	ContextMode   string // "group" or "isolated"
}

// ScheduleTask validates the spec, computes the first run and persists the
// task. Returns the new task id.
func (s *Scheduler) ScheduleTask(spec TaskSpec) (string, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return "", fmt.Errorf("task prompt is empty")
	}
	switch spec.ScheduleType {
	case store.ScheduleCron, store.ScheduleInterval, store.ScheduleOnce:
	default:
		return "", fmt.Errorf("unknown schedule type %q", spec.ScheduleType)
	}
	if spec.ContextMode == "" {
		spec.ContextMode = store.ContextIsolated
	}
	if spec.Timezone == "" {
		spec.Timezone = s.timezone
	}

	next, err := FirstRun(spec.ScheduleType, spec.ScheduleValue, spec.Timezone, time.Now())
	if err != nil {
		return "", err
	}

	id := "task-" + uuid.NewString()
	if err := s.store.CreateTask(store.ScheduledTask{
		ID:            id,
		GroupFolder:   spec.GroupFolder,
		ChatJID:       spec.ChatJID,
		Prompt:        spec.Prompt,
		ScheduleType:  spec.ScheduleType,
		ScheduleValue: spec.ScheduleValue,
		Timezone:      spec.Timezone,
		ContextMode:   spec.ContextMode,
		NextRun:       next,
		Status:        store.TaskActive,
	}); err != nil {
		return "", err
	}
	return id, nil
}

// PauseTask suspends an active task.
func (s *Scheduler) PauseTask(id string) error {
	return s.store.SetTaskStatus(id, store.TaskPaused, nil)
}

// ResumeTask reactivates a paused task, recomputing its next run.
func (s *Scheduler) ResumeTask(id string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}
	next, err := FirstRun(task.ScheduleType, task.ScheduleValue, task.Timezone, time.Now())
	if err != nil {
		return fmt.Errorf("cannot resume: %w", err)
	}
	return s.store.SetTaskStatus(id, store.TaskActive, next)
}

// CancelTask removes a task definition entirely.
func (s *Scheduler) CancelTask(id string) error {
	return s.store.DeleteTask(id)
}

// UpdateTask changes a task's prompt and/or schedule value; a new schedule
// value recomputes next_run.
func (s *Scheduler) UpdateTask(id, prompt, scheduleValue string) error {
	task, err := s.store.GetTask(id)
	if err != nil {
		return err
	}

	var next *time.Time
	if scheduleValue != "" {
		next, err = FirstRun(task.ScheduleType, scheduleValue, task.Timezone, time.Now())
		if err != nil {
			return err
		}
	}
	return s.store.UpdateTaskSpec(id, prompt, scheduleValue, next)
}

// TaskOwner reports the group folder owning a task, for IPC authorization.
func (s *Scheduler) TaskOwner(id string) (string, error) {
	task, err := s.store.GetTask(id)
	if err != nil {
		return "", err
	}
	return task.GroupFolder, nil
}

// ListTasks returns the tasks for a group ("" = all).
func (s *Scheduler) ListTasks(groupFolder string) ([]store.ScheduledTask, error) {
	return s.store.ListTasks(groupFolder)
}
