// Package agent defines the boundary to the containerized LLM agent. The
// host never reasons about LLM content; it hands a Spec to an AgentRunner
// and consumes the structured result.
package agent

import (
	"context"
	"fmt"
	"time"
)

// Spec describes one agent execution.
type Spec struct {
	Prompt      string
	GroupFolder string
	ChatID      string
	SenderID    string
	SessionID   string // empty = fresh session

	ModelOverride   string
	MaxOutputTokens int
	MaxToolSteps    int
	ToolAllow       []string
	ToolDeny        []string

	RecallMaxResults int
	RecallMaxTokens  int
	EnableRecall     bool

	AttachmentsJSON string
	Timeout         time.Duration
	Timezone        string
	TraceID         string
}

// ContainerOutput is the structured result returned by the agent container.
type ContainerOutput struct {
	Status           string `json:"status"` // "ok" or "error"
	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
	ToolCalls        int    `json:"tool_calls,omitempty"`
	Model            string `json:"model,omitempty"`
	TokensPrompt     int    `json:"tokens_prompt,omitempty"`
	TokensCompletion int    `json:"tokens_completion,omitempty"`
	LatencyMS        int    `json:"latency_ms,omitempty"`
	MemoryUpserts    int    `json:"memory_upserts,omitempty"`
	MemoryRecalls    int    `json:"memory_recalls,omitempty"`
	NewSessionID     string `json:"new_session_id,omitempty"`

	// Post-run signals consulted by the pipeline's auto-spawn logic.
	TimedOut         bool     `json:"timed_out,omitempty"`
	HitToolLimit     bool     `json:"hit_tool_limit,omitempty"`
	ClassifierDefer  bool     `json:"classifier_defer,omitempty"`
	PlannerDefer     bool     `json:"planner_defer,omitempty"`
	PlannedSteps     []string `json:"planned_steps,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
}

// Context describes the host-side execution context of a run, available
// even when the run fails.
type Context struct {
	GroupFolder string
	SessionID   string
	ContainerID string
	StartedAt   time.Time
}

// Result pairs the container output with its execution context.
type Result struct {
	Output  ContainerOutput
	Context Context
}

// ExecutionError is a host-side failure to run the agent (as opposed to the
// agent reporting status="error").
type ExecutionError struct {
	Context Context
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent execution failed (group %s): %v", e.Context.GroupFolder, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Runner executes agent runs. Implementations are external to the core.
type Runner interface {
	Execute(ctx context.Context, spec Spec) (*Result, error)
}
