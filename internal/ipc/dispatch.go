package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/scheduler"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

const dispatchTimeout = 30 * time.Second

// dispatchMessage sends an outbound message or media operation dropped by
// the agent container. Non-main groups may only send to their own chat.
func (b *Bus) dispatchMessage(sourceGroup string, data []byte) error {
	var out protocol.OutboundFile
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse outbound file: %w", err)
	}

	ownChat, _, ok := b.groups.ByFolder(sourceGroup)
	if !ok {
		return fmt.Errorf("unknown source group %q", sourceGroup)
	}

	chatID := out.ChatID
	if chatID == "" {
		chatID = ownChat
	}
	if chatID != ownChat && !b.groups.IsMain(sourceGroup) {
		slog.Warn("unauthorized cross-chat send blocked", "source", sourceGroup, "target", chatID)
		return nil
	}

	prov, local, err := b.providers.Resolve(chatID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch out.Kind {
	case "", "text":
		_, err = b.providers.SendMessage(ctx, chatID, out.Text, nil)
	case "document":
		err = prov.SendDocument(ctx, local, out.Path, out.Caption)
	case "photo":
		err = prov.SendPhoto(ctx, local, out.Path, out.Caption)
	case "voice":
		err = prov.SendVoice(ctx, local, out.Path)
	case "audio":
		err = prov.SendAudio(ctx, local, out.Path)
	case "location":
		err = prov.SendLocation(ctx, local, out.Latitude, out.Longitude)
	case "contact":
		err = prov.SendContact(ctx, local, out.Phone, out.Name)
	case "poll":
		err = prov.SendPoll(ctx, local, out.Question, out.Options)
	default:
		return fmt.Errorf("unknown outbound kind %q", out.Kind)
	}
	return err
}

// Fire-and-forget task op payloads.

type taskOpPayload struct {
	TaskID        string `json:"task_id,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	Timezone      string `json:"timezone,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	ChatID  string `json:"chat_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`
	Model   string `json:"model,omitempty"`
}

// dispatchTaskOp handles the fire-and-forget channel. Authorization
// failures warn and drop; they never reach the end user.
func (b *Bus) dispatchTaskOp(sourceGroup string, data []byte) error {
	var op protocol.TaskOp
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("parse task op: %w", err)
	}
	var p taskOpPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("parse task op payload: %w", err)
		}
	}

	ownChat, _, ok := b.groups.ByFolder(sourceGroup)
	if !ok {
		return fmt.Errorf("unknown source group %q", sourceGroup)
	}
	isMain := b.groups.IsMain(sourceGroup)

	switch op.Type {
	case protocol.OpScheduleTask:
		id, err := b.scheduler.ScheduleTask(scheduler.TaskSpec{
			GroupFolder:   sourceGroup,
			ChatJID:       ownChat,
			Prompt:        p.Prompt,
			ScheduleType:  p.ScheduleType,
			ScheduleValue: p.ScheduleValue,
			Timezone:      p.Timezone,
			ContextMode:   p.ContextMode,
		})
		if err != nil {
			slog.Warn("schedule_task op failed", "source", sourceGroup, "error", err)
			return nil
		}
		slog.Info("task scheduled via ipc", "task", id, "source", sourceGroup)

	case protocol.OpPauseTask, protocol.OpResumeTask, protocol.OpCancelTask, protocol.OpUpdateTask:
		if !b.authorizeTask(sourceGroup, isMain, p.TaskID) {
			return nil
		}
		var err error
		switch op.Type {
		case protocol.OpPauseTask:
			err = b.scheduler.PauseTask(p.TaskID)
		case protocol.OpResumeTask:
			err = b.scheduler.ResumeTask(p.TaskID)
		case protocol.OpCancelTask:
			err = b.scheduler.CancelTask(p.TaskID)
		case protocol.OpUpdateTask:
			err = b.scheduler.UpdateTask(p.TaskID, p.Prompt, p.ScheduleValue)
		}
		if err != nil {
			slog.Warn("task op failed", "op", op.Type, "task", p.TaskID, "source", sourceGroup, "error", err)
		}

	case protocol.OpRegisterGroup:
		if !isMain {
			slog.Warn("Unauthorized register_group attempt blocked", "source", sourceGroup)
			return nil
		}
		err := b.groups.Register(p.ChatID, groups.Group{
			Name: p.Name, Folder: p.Folder, Trigger: p.Trigger,
		})
		if err != nil {
			slog.Warn("register_group op failed", "folder", p.Folder, "error", err)
			return nil
		}
		if err := b.ensureGroupTree(p.Folder); err != nil {
			slog.Warn("ipc tree creation failed for new group", "folder", p.Folder, "error", err)
		}
		slog.Info("group registered via ipc", "folder", p.Folder, "chat", p.ChatID)

	case protocol.OpRemoveGroup:
		if !isMain {
			slog.Warn("Unauthorized remove_group attempt blocked", "source", sourceGroup)
			return nil
		}
		chatID, _, ok := b.groups.ByFolder(p.Folder)
		if !ok {
			slog.Warn("remove_group op for unknown folder", "folder", p.Folder)
			return nil
		}
		if err := b.groups.Unregister(chatID); err != nil {
			slog.Warn("remove_group op failed", "folder", p.Folder, "error", err)
		}

	case protocol.OpSetModel:
		if !isMain {
			slog.Warn("Unauthorized set_model attempt blocked", "source", sourceGroup)
			return nil
		}
		if err := b.groups.SetModelOverride(p.Folder, p.Model); err != nil {
			slog.Warn("set_model op failed", "folder", p.Folder, "error", err)
		}

	default:
		slog.Warn("unknown task op dropped", "type", op.Type, "source", sourceGroup)
	}
	return nil
}

// authorizeTask allows a group to touch only its own tasks; main touches all.
func (b *Bus) authorizeTask(sourceGroup string, isMain bool, taskID string) bool {
	if isMain {
		return true
	}
	owner, err := b.scheduler.TaskOwner(taskID)
	if err != nil {
		slog.Warn("task op for unknown task", "task", taskID, "source", sourceGroup)
		return false
	}
	if owner != sourceGroup {
		slog.Warn("unauthorized task op blocked", "task", taskID, "source", sourceGroup, "owner", owner)
		return false
	}
	return true
}

// Synchronous request payloads.

type requestPayload struct {
	TaskID string `json:"task_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`

	Prompt       string `json:"prompt,omitempty"`
	GroupFolder  string `json:"group_folder,omitempty"`
	Priority     int    `json:"priority,omitempty"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
	MaxToolSteps int    `json:"max_tool_steps,omitempty"`

	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Notify  bool            `json:"notify,omitempty"`

	Statuses []string `json:"statuses,omitempty"`

	ChatID    string `json:"chat_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text,omitempty"`

	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// dispatchRequest handles the synchronous channel: every request gets a
// response file, including authorization failures.
func (b *Bus) dispatchRequest(sourceGroup string, data []byte) error {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	if req.ID == "" {
		return fmt.Errorf("request without id")
	}
	var p requestPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return b.respondErr(sourceGroup, req.ID, fmt.Sprintf("bad payload: %v", err))
		}
	}

	result, err := b.handleRequest(sourceGroup, req.Type, p)
	if err != nil {
		return b.respondErr(sourceGroup, req.ID, err.Error())
	}
	return b.respondOK(sourceGroup, req.ID, result)
}

func (b *Bus) handleRequest(sourceGroup, reqType string, p requestPayload) (any, error) {
	ownChat, _, ok := b.groups.ByFolder(sourceGroup)
	if !ok {
		return nil, fmt.Errorf("unknown source group %q", sourceGroup)
	}
	isMain := b.groups.IsMain(sourceGroup)

	switch reqType {
	case protocol.ReqListGroups:
		type entry struct {
			Folder string `json:"folder"`
			Name   string `json:"name"`
			ChatID string `json:"chat_id"`
		}
		var out []entry
		for chatID, g := range b.groups.Snapshot() {
			out = append(out, entry{Folder: g.Folder, Name: g.Name, ChatID: chatID})
		}
		return out, nil

	case protocol.ReqRunTask:
		if !b.authorizeTask(sourceGroup, isMain, p.TaskID) {
			return nil, fmt.Errorf("not authorized for task %s", p.TaskID)
		}
		if err := b.scheduler.RunTaskNow(p.TaskID); err != nil {
			return nil, err
		}
		return map[string]string{"task_id": p.TaskID, "state": "running"}, nil

	case protocol.ReqSpawnJob:
		target := p.GroupFolder
		if target == "" {
			target = sourceGroup
		}
		if target != sourceGroup && !isMain {
			slog.Warn("unauthorized cross-group spawn blocked", "source", sourceGroup, "target", target)
			return nil, fmt.Errorf("not authorized to spawn jobs for group %s", target)
		}
		targetChat := ownChat
		if target != sourceGroup {
			targetChat, _, _ = b.groups.ByFolder(target)
		}
		id, err := b.jobs.Spawn(jobs.SpawnSpec{
			GroupFolder:  target,
			ChatJID:      targetChat,
			Prompt:       p.Prompt,
			Priority:     p.Priority,
			TimeoutMS:    p.TimeoutMS,
			MaxToolSteps: p.MaxToolSteps,
			SpawnedBy:    "ipc:" + sourceGroup,
		})
		if err != nil {
			return nil, err
		}
		pos, total, _ := b.jobs.QueuePosition(id)
		return map[string]any{"job_id": id, "queue_position": pos, "queue_total": total}, nil

	case protocol.ReqJobStatus:
		if err := b.authorizeJob(sourceGroup, isMain, p.JobID); err != nil {
			return nil, err
		}
		job, events, err := b.jobs.Status(p.JobID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"job": job, "events": events}, nil

	case protocol.ReqListJobs:
		target := p.GroupFolder
		if target == "" || !isMain {
			target = sourceGroup
		}
		return b.jobs.List(target, p.Statuses)

	case protocol.ReqCancelJob:
		if err := b.authorizeJob(sourceGroup, isMain, p.JobID); err != nil {
			return nil, err
		}
		if err := b.jobs.Cancel(p.JobID); err != nil {
			return nil, err
		}
		return map[string]string{"job_id": p.JobID, "state": "canceled"}, nil

	case protocol.ReqJobUpdate:
		if err := b.authorizeJob(sourceGroup, isMain, p.JobID); err != nil {
			return nil, err
		}
		if err := b.jobs.RecordUpdate(p.JobID, p.Level, p.Message, string(p.Data), p.Notify); err != nil {
			return nil, err
		}
		return map[string]string{"job_id": p.JobID}, nil

	case protocol.ReqEditMessage, protocol.ReqDeleteMessage:
		chatID := p.ChatID
		if chatID == "" {
			chatID = ownChat
		}
		if chatID != ownChat && !isMain {
			return nil, fmt.Errorf("not authorized for chat %s", chatID)
		}
		prov, local, err := b.providers.Resolve(chatID)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if reqType == protocol.ReqEditMessage {
			err = prov.EditMessage(ctx, local, p.MessageID, p.Text)
		} else {
			err = prov.DeleteMessage(ctx, local, p.MessageID)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"message_id": p.MessageID}, nil

	case protocol.ReqMemoryGet:
		v, err := b.memory.Get(sourceGroup, p.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": p.Key, "value": v}, nil

	case protocol.ReqMemorySet:
		if err := b.memory.Set(sourceGroup, p.Key, p.Value); err != nil {
			return nil, err
		}
		return map[string]string{"key": p.Key}, nil

	case protocol.ReqMemoryDelete:
		if err := b.memory.Delete(sourceGroup, p.Key); err != nil {
			return nil, err
		}
		return map[string]string{"key": p.Key}, nil

	default:
		return nil, fmt.Errorf("unknown request type %q", reqType)
	}
}

// authorizeJob allows a group to touch only its own jobs; main touches all.
func (b *Bus) authorizeJob(sourceGroup string, isMain bool, jobID string) error {
	if isMain {
		return nil
	}
	job, _, err := b.jobs.Status(jobID)
	if err != nil {
		return err
	}
	if job.GroupFolder != sourceGroup {
		slog.Warn("unauthorized job access blocked", "job", jobID, "source", sourceGroup, "owner", job.GroupFolder)
		return fmt.Errorf("not authorized for job %s", jobID)
	}
	return nil
}

func (b *Bus) respondOK(sourceGroup, id string, result any) error {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return b.respondErr(sourceGroup, id, fmt.Sprintf("marshal result: %v", err))
		}
		raw = data
	}
	data, err := json.Marshal(protocol.Response{ID: id, OK: true, Result: raw})
	if err != nil {
		return err
	}
	return b.writeResponse(sourceGroup, data, id)
}

func (b *Bus) respondErr(sourceGroup, id, msg string) error {
	data, err := json.Marshal(protocol.Response{ID: id, OK: false, Error: msg})
	if err != nil {
		return err
	}
	return b.writeResponse(sourceGroup, data, id)
}
