package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/config"
)

// defaultMaxOutputBytes bounds agent stdout when the config leaves it unset.
const defaultMaxOutputBytes = 1 << 20

// ContainerRunner executes agent runs as one-shot containers. The spec goes
// in as JSON on stdin; the container writes a ContainerOutput JSON document
// to stdout.
type ContainerRunner struct {
	cfg       config.AgentConfig
	runtime   string // "docker" or "podman"
	groupsDir string
}

// NewContainerRunner detects the container runtime on PATH.
func NewContainerRunner(cfg config.AgentConfig, groupsDir string) (*ContainerRunner, error) {
	runtime := ""
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(candidate); err == nil {
			runtime = candidate
			break
		}
	}
	if runtime == "" {
		return nil, fmt.Errorf("no container runtime found on PATH (need docker or podman)")
	}
	if cfg.ContainerImage == "" {
		return nil, fmt.Errorf("agent container image not configured")
	}
	return &ContainerRunner{cfg: cfg, runtime: runtime, groupsDir: groupsDir}, nil
}

// WarmStart pulls the agent image ahead of the first run.
func (r *ContainerRunner) WarmStart(ctx context.Context) error {
	if !r.cfg.WarmStart {
		return nil
	}
	slog.Info("warm-starting agent image", "image", r.cfg.ContainerImage)
	cmd := exec.CommandContext(ctx, r.runtime, "pull", r.cfg.ContainerImage)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("pull agent image: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// containerSpec is the wire shape handed to the container on stdin.
type containerSpec struct {
	Prompt           string   `json:"prompt"`
	GroupFolder      string   `json:"group_folder"`
	ChatID           string   `json:"chat_id"`
	SenderID         string   `json:"sender_id"`
	SessionID        string   `json:"session_id,omitempty"`
	ModelOverride    string   `json:"model_override,omitempty"`
	MaxOutputTokens  int      `json:"max_output_tokens,omitempty"`
	MaxToolSteps     int      `json:"max_tool_steps,omitempty"`
	ToolAllow        []string `json:"tool_allow,omitempty"`
	ToolDeny         []string `json:"tool_deny,omitempty"`
	RecallMaxResults int      `json:"recall_max_results,omitempty"`
	RecallMaxTokens  int      `json:"recall_max_tokens,omitempty"`
	EnableRecall     bool     `json:"enable_recall,omitempty"`
	AttachmentsJSON  string   `json:"attachments_json,omitempty"`
	Timezone         string   `json:"timezone,omitempty"`
	TraceID          string   `json:"trace_id,omitempty"`
	TimeoutMS        int64    `json:"timeout_ms,omitempty"`
}

// Execute runs one agent container and decodes its output. Host-side
// failures come back as *ExecutionError; context cancellation and deadline
// errors pass through unwrapped so callers can classify them.
func (r *ContainerRunner) Execute(ctx context.Context, spec Spec) (*Result, error) {
	containerID := "dotclaw-" + uuid.NewString()[:12]
	execCtx := Context{
		GroupFolder: spec.GroupFolder,
		SessionID:   spec.SessionID,
		ContainerID: containerID,
		StartedAt:   time.Now().UTC(),
	}

	input, err := json.Marshal(containerSpec{
		Prompt:           spec.Prompt,
		GroupFolder:      spec.GroupFolder,
		ChatID:           spec.ChatID,
		SenderID:         spec.SenderID,
		SessionID:        spec.SessionID,
		ModelOverride:    spec.ModelOverride,
		MaxOutputTokens:  spec.MaxOutputTokens,
		MaxToolSteps:     spec.MaxToolSteps,
		ToolAllow:        spec.ToolAllow,
		ToolDeny:         spec.ToolDeny,
		RecallMaxResults: spec.RecallMaxResults,
		RecallMaxTokens:  spec.RecallMaxTokens,
		EnableRecall:     spec.EnableRecall,
		AttachmentsJSON:  spec.AttachmentsJSON,
		Timezone:         spec.Timezone,
		TraceID:          spec.TraceID,
		TimeoutMS:        spec.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, &ExecutionError{Context: execCtx, Err: fmt.Errorf("encode spec: %w", err)}
	}

	args := []string{
		"run", "--rm", "-i",
		"--name", containerID,
		"--label", "dotclaw.instance=host",
		"--label", "dotclaw.group=" + spec.GroupFolder,
	}
	if r.groupsDir != "" {
		args = append(args, "-v", fmt.Sprintf("%s/%s:/workspace", r.groupsDir, spec.GroupFolder))
	}
	args = append(args, r.cfg.ContainerImage)

	cmd := exec.CommandContext(ctx, r.runtime, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("agent container starting",
		"container", containerID, "group", spec.GroupFolder, "trace_id", spec.TraceID)

	runErr := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		// Cancellation or deadline wins over whatever the kill produced.
		return nil, ctxErr
	}
	if runErr != nil {
		return nil, &ExecutionError{
			Context: execCtx,
			Err:     fmt.Errorf("container run: %w: %s", runErr, truncateOutput(stderr.String(), 500)),
		}
	}

	maxBytes := r.cfg.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxOutputBytes
	}
	raw := stdout.Bytes()
	if int64(len(raw)) > maxBytes {
		return nil, &ExecutionError{
			Context: execCtx,
			Err:     fmt.Errorf("container output exceeds %d bytes", maxBytes),
		}
	}

	var out ContainerOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ExecutionError{
			Context: execCtx,
			Err:     fmt.Errorf("decode container output: %w", err),
		}
	}
	if out.Status == "" {
		out.Status = "error"
		if out.Error == "" {
			out.Error = "container returned no status"
		}
	}

	return &Result{Output: out, Context: execCtx}, nil
}

// CleanupInstance removes leftover containers tagged to this host instance.
func (r *ContainerRunner) CleanupInstance(ctx context.Context) {
	list := exec.CommandContext(ctx, r.runtime, "ps", "-aq", "--filter", "label=dotclaw.instance=host")
	out, err := list.Output()
	if err != nil {
		slog.Debug("container cleanup listing failed", "error", err)
		return
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return
	}
	rm := exec.CommandContext(ctx, r.runtime, append([]string{"rm", "-f"}, ids...)...)
	if err := rm.Run(); err != nil {
		slog.Warn("container cleanup failed", "count", len(ids), "error", err)
		return
	}
	slog.Info("leftover agent containers removed", "count", len(ids))
}

func truncateOutput(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
