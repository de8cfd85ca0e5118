// Package trace appends agent-run records to daily JSONL files under
// TRACE_DIR (trace-YYYY-MM-DD.jsonl). Records are append-only; nothing in
// the core ever reads them back.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one agent run trace.
type Record struct {
	TraceID     string    `json:"trace_id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"` // "chat", "task", "job"
	GroupFolder string    `json:"group_folder"`
	ChatID      string    `json:"chat_id,omitempty"`
	Prompt      string    `json:"prompt"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	Model       string    `json:"model,omitempty"`
	ToolCalls   int       `json:"tool_calls,omitempty"`
	TokensIn    int       `json:"tokens_prompt,omitempty"`
	TokensOut   int       `json:"tokens_completion,omitempty"`
	LatencyMS   int       `json:"latency_ms,omitempty"`
}

// Writer appends records to the current day's trace file.
type Writer struct {
	mu  sync.Mutex
	dir string
}

// NewWriter creates the trace directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// NewTraceID returns a fresh trace identifier.
func NewTraceID() string {
	return "trace-" + uuid.NewString()
}

// Append writes one record. Failures are returned but callers treat them as
// non-fatal: tracing never blocks the main flow.
func (w *Writer) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal trace record: %w", err)
	}

	path := filepath.Join(w.dir, "trace-"+r.Timestamp.UTC().Format("2006-01-02")+".jsonl")

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}
