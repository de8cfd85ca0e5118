// Package router decides how an accepted prompt should be executed: which
// performance profile, which budgets, and whether the work belongs in the
// background. Route is a pure function of its inputs plus static Config —
// it performs no I/O.
package router

import (
	"regexp"
	"strings"
)

// Profile is the abstract performance/quality tier of a run.
type Profile string

const (
	ProfileFast     Profile = "fast"
	ProfileStandard Profile = "standard"
	ProfileDeep     Profile = "deep"
)

// ProgressPlan configures interim progress messages for long runs.
type ProgressPlan struct {
	Enabled    bool
	InitialMS  int
	IntervalMS int
	MaxUpdates int
	Messages   []string
}

// Decision is the routing outcome for one prompt.
type Decision struct {
	Profile          Profile
	Reason           string
	ShouldBackground bool
	EstimatedMinutes int

	ModelOverride   string
	MaxOutputTokens int
	MaxToolSteps    int
	ToolAllow       []string
	ToolDeny        []string

	EnablePlanner                bool
	EnableResponseValidation     bool
	ResponseValidationMaxRetries int

	EnableMemoryRecall     bool
	RecallMaxResults       int
	RecallMaxTokens        int
	EnableMemoryExtraction bool

	Progress ProgressPlan

	ShouldRunClassifier bool
}

// LastMessage carries optional metadata about the triggering message.
type LastMessage struct {
	IsGroup  bool
	ChatType string
	SenderID string
}

// Context carries optional request context (scheduled task, job, etc.).
type Context struct {
	Source string // "chat", "task", "job"
}

// Config holds the static thresholds. Retunable; the Decision contract is
// fixed.
type Config struct {
	FastMaxChars       int
	DeepMinChars       int
	DeepMinToolSteps   int
	BackgroundMinChars int
	FastMaxToolSteps   int
	StandardToolSteps  int
	DeepToolSteps      int
	RecallMaxResults   int
	RecallMaxTokens    int
}

// DefaultConfig returns the shipped thresholds.
func DefaultConfig() Config {
	return Config{
		FastMaxChars:       80,
		DeepMinChars:       600,
		BackgroundMinChars: 2000,
		FastMaxToolSteps:   5,
		StandardToolSteps:  15,
		DeepToolSteps:      40,
		RecallMaxResults:   8,
		RecallMaxTokens:    2000,
	}
}

// Keyword groups consulted by Route. Matching is case-insensitive.
var (
	deepMarkers = []string{
		"rewrite", "refactor", "migrate", "analyze all", "entire", "everything",
		"comprehensive", "in depth", "research", "investigate", "audit",
	}
	backgroundMarkers = []string{
		"take your time", "when you get a chance", "in the background",
		"overnight", "don't wait", "no rush",
	}
	smallTalk = regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|ok|okay|yes|no|lol|nice|good (morning|night|evening))\b`)
)

// Route computes the Decision for a prompt. Deterministic: identical inputs
// always produce identical output.
func Route(cfg Config, prompt string, last *LastMessage, rctx *Context) Decision {
	p := strings.ToLower(strings.TrimSpace(prompt))
	n := len(p)

	d := Decision{
		Profile:                      ProfileStandard,
		Reason:                       "default profile",
		MaxToolSteps:                 cfg.StandardToolSteps,
		EnableMemoryRecall:           true,
		RecallMaxResults:             cfg.RecallMaxResults,
		RecallMaxTokens:              cfg.RecallMaxTokens,
		EnableMemoryExtraction:       true,
		EnableResponseValidation:     true,
		ResponseValidationMaxRetries: 1,
		ShouldRunClassifier:          true,
		Progress: ProgressPlan{
			Enabled:    true,
			InitialMS:  20000,
			IntervalMS: 45000,
			MaxUpdates: 4,
			Messages: []string{
				"Still working on it...",
				"Making progress...",
				"Almost there...",
			},
		},
	}

	// Scheduled tasks always run on a fixed profile with no classifier pass.
	if rctx != nil && rctx.Source == "task" {
		d.Profile = ProfileStandard
		d.Reason = "scheduled task profile"
		d.ShouldRunClassifier = false
		d.Progress.Enabled = false
		return d
	}

	switch {
	case n <= cfg.FastMaxChars && smallTalk.MatchString(p):
		d.Profile = ProfileFast
		d.Reason = "short conversational message"
		d.MaxToolSteps = cfg.FastMaxToolSteps
		d.EnablePlanner = false
		d.EnableResponseValidation = false
		d.EnableMemoryExtraction = false
		d.ShouldRunClassifier = false
		d.Progress.Enabled = false

	case n >= cfg.DeepMinChars || containsAny(p, deepMarkers):
		d.Profile = ProfileDeep
		d.Reason = "long or analysis-heavy request"
		d.MaxToolSteps = cfg.DeepToolSteps
		d.EnablePlanner = true
		d.EstimatedMinutes = estimateMinutes(n)
	}

	if containsAny(p, backgroundMarkers) || n >= cfg.BackgroundMinChars {
		d.ShouldBackground = true
		d.Reason = "request exceeds foreground budget"
		if d.EstimatedMinutes == 0 {
			d.EstimatedMinutes = estimateMinutes(n)
		}
	}

	return d
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// estimateMinutes is a coarse effort estimate from prompt length alone.
func estimateMinutes(chars int) int {
	switch {
	case chars < 600:
		return 3
	case chars < 2000:
		return 8
	default:
		return 15
	}
}
