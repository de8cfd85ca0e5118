package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteProfiles(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name             string
		prompt           string
		wantProfile      Profile
		wantBackground   bool
		wantClassifier   bool
		wantMaxToolSteps int
	}{
		{
			name:             "small talk goes fast",
			prompt:           "hey there",
			wantProfile:      ProfileFast,
			wantClassifier:   false,
			wantMaxToolSteps: cfg.FastMaxToolSteps,
		},
		{
			name:             "plain question stays standard",
			prompt:           "what's the weather in Hanoi right now?",
			wantProfile:      ProfileStandard,
			wantClassifier:   true,
			wantMaxToolSteps: cfg.StandardToolSteps,
		},
		{
			name:             "deep marker escalates",
			prompt:           "refactor the storage layer to use a single writer",
			wantProfile:      ProfileDeep,
			wantClassifier:   true,
			wantMaxToolSteps: cfg.DeepToolSteps,
		},
		{
			name:             "long prompt escalates",
			prompt:           strings.Repeat("describe the system. ", 40),
			wantProfile:      ProfileDeep,
			wantClassifier:   true,
			wantMaxToolSteps: cfg.DeepToolSteps,
		},
		{
			name:             "background marker flips shouldBackground",
			prompt:           "clean up the logs overnight, no rush",
			wantProfile:      ProfileStandard,
			wantBackground:   true,
			wantClassifier:   true,
			wantMaxToolSteps: cfg.StandardToolSteps,
		},
		{
			name:             "very long prompt flips shouldBackground",
			prompt:           strings.Repeat("x", 2100),
			wantProfile:      ProfileDeep,
			wantBackground:   true,
			wantClassifier:   true,
			wantMaxToolSteps: cfg.DeepToolSteps,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Route(cfg, tt.prompt, nil, nil)
			assert.Equal(t, tt.wantProfile, d.Profile)
			assert.Equal(t, tt.wantBackground, d.ShouldBackground)
			assert.Equal(t, tt.wantClassifier, d.ShouldRunClassifier)
			assert.Equal(t, tt.wantMaxToolSteps, d.MaxToolSteps)
		})
	}
}

func TestRouteTaskSourceFixedProfile(t *testing.T) {
	cfg := DefaultConfig()

	// Even a prompt that would otherwise go deep+background stays on the
	// fixed task profile.
	d := Route(cfg, strings.Repeat("rewrite everything ", 200), nil, &Context{Source: "task"})
	assert.Equal(t, ProfileStandard, d.Profile)
	assert.False(t, d.ShouldBackground)
	assert.False(t, d.ShouldRunClassifier)
	assert.False(t, d.Progress.Enabled)
}

func TestRouteDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	prompt := "investigate the flaky scheduler test and audit the claim path"

	first := Route(cfg, prompt, nil, nil)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Route(cfg, prompt, nil, nil))
	}
}

func TestRouteBackgroundEstimates(t *testing.T) {
	cfg := DefaultConfig()

	d := Route(cfg, "take your time archiving old traces", nil, nil)
	require.True(t, d.ShouldBackground)
	assert.Equal(t, 3, d.EstimatedMinutes)

	d = Route(cfg, strings.Repeat("y", 2500), nil, nil)
	require.True(t, d.ShouldBackground)
	assert.Equal(t, 15, d.EstimatedMinutes)
}
