package store

import "time"

// Queued message statuses.
const (
	QueuedPending   = "pending"
	QueuedClaimed   = "claimed"
	QueuedCompleted = "completed"
	QueuedFailed    = "failed"
)

// Scheduled task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// Schedule types.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// Context modes for tasks and jobs.
const (
	ContextGroup    = "group"
	ContextIsolated = "isolated"
)

// Background job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCanceled  = "canceled"
	JobTimedOut  = "timed_out"
)

// Job event levels.
const (
	EventInfo     = "info"
	EventProgress = "progress"
	EventWarn     = "warn"
	EventError    = "error"
)

// Chat is an observed external conversation. Created on first observation,
// never deleted.
type Chat struct {
	ChatID          string
	Name            string
	LastMessageTime time.Time
}

// Message is one row of the append-only per-chat message log.
type Message struct {
	ID              string
	ChatJID         string
	SenderID        string
	SenderName      string
	Content         string
	Timestamp       time.Time
	IsOutbound      bool
	AttachmentsJSON string
}

// Cursor marks the watermark of messages already folded into an agent run.
type Cursor struct {
	ChatID             string
	LastAgentTimestamp time.Time
	LastAgentMessageID string
}

// QueuedMessage is one observed message that may trigger processing.
type QueuedMessage struct {
	AutoID          int64
	ChatJID         string
	MessageID       string
	SenderID        string
	SenderName      string
	Content         string
	Timestamp       time.Time
	IsGroup         bool
	ChatType        string
	MessageThreadID int
	AttachmentsJSON string
	Status          string
	AttemptCount    int
	CreatedAt       time.Time
}

// ScheduledTask is a cron/interval/once task owned by a group.
type ScheduledTask struct {
	ID            string
	GroupFolder   string
	ChatJID       string
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	Timezone      string
	ContextMode   string
	NextRun       *time.Time
	LastRun       *time.Time
	LastResult    string
	StateJSON     string
	RetryCount    int
	LastError     string
	RunningSince  *time.Time
	Status        string
	CreatedAt     time.Time
}

// BackgroundJob is a queued unit of long-running agent work.
type BackgroundJob struct {
	ID              string
	GroupFolder     string
	ChatJID         string
	Prompt          string
	ContextMode     string
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	TimeoutMS       int
	MaxToolSteps    int
	ToolPolicyJSON  string
	ModelOverride   string
	Priority        int
	Tags            string
	SpawnedBy       string
	ParentTraceID   string
	ParentMessageID string
	ResultSummary   string
	OutputPath      string
	OutputTruncated bool
	LastError       string
	LeaseExpiresAt  *time.Time
	RetryCount      int
}

// JobEvent is one append-only background job event.
type JobEvent struct {
	ID        int64
	JobID     string
	CreatedAt time.Time
	Level     string
	Message   string
	DataJSON  string
}

// TraceLink links an outbound message to the trace that produced it.
type TraceLink struct {
	SentMessageID string
	ChatJID       string
	TraceID       string
}

// Feedback is a reaction-based feedback record resolved through TraceLink.
type Feedback struct {
	ID        int64
	ChatJID   string
	MessageID string
	UserID    string
	Emoji     string
	TraceID   string
	CreatedAt time.Time
}
