// Package protocol defines the wire formats shared between the DotClaw host
// and the containerized agents: the file-based IPC envelopes and the hook
// event names exposed to user scripts.
package protocol

import "encoding/json"

// Request is the envelope for a synchronous IPC request dropped into
// <DATA_DIR>/ipc/<group>/requests/. The host writes the matching Response
// into responses/<id>.json.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope written by the host for a Request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Synchronous request types handled on the requests/ channel.
const (
	ReqListGroups    = "list_groups"
	ReqRunTask       = "run_task"
	ReqSpawnJob      = "spawn_job"
	ReqJobStatus     = "job_status"
	ReqListJobs      = "list_jobs"
	ReqCancelJob     = "cancel_job"
	ReqJobUpdate     = "job_update"
	ReqEditMessage   = "edit_message"
	ReqDeleteMessage = "delete_message"
	ReqMemoryGet     = "memory_get"
	ReqMemorySet     = "memory_set"
	ReqMemoryDelete  = "memory_delete"
)

// Fire-and-forget task operation types handled on the tasks/ channel.
const (
	OpScheduleTask  = "schedule_task"
	OpPauseTask     = "pause_task"
	OpResumeTask    = "resume_task"
	OpCancelTask    = "cancel_task"
	OpUpdateTask    = "update_task"
	OpRegisterGroup = "register_group"
	OpRemoveGroup   = "remove_group"
	OpSetModel      = "set_model"
)

// TaskOp is the envelope for a fire-and-forget operation dropped into
// <DATA_DIR>/ipc/<group>/tasks/.
type TaskOp struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutboundFile is a message or media operation dropped into
// <DATA_DIR>/ipc/<group>/messages/ by the agent container.
type OutboundFile struct {
	ChatID    string   `json:"chat_id,omitempty"` // defaults to the group's own chat
	Text      string   `json:"text,omitempty"`
	Kind      string   `json:"kind,omitempty"` // "", "document", "photo", "voice", "audio", "location", "contact", "poll"
	Path      string   `json:"path,omitempty"`
	Caption   string   `json:"caption,omitempty"`
	Latitude  float64  `json:"latitude,omitempty"`
	Longitude float64  `json:"longitude,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Name      string   `json:"name,omitempty"`
	Question  string   `json:"question,omitempty"`
	Options   []string `json:"options,omitempty"`
	ThreadID  int      `json:"thread_id,omitempty"`
}
