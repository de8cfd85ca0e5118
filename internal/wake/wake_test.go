package wake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/config"
)

type fakeRecovery struct {
	mu    sync.Mutex
	calls []string
	grace time.Duration
}

func (f *fakeRecovery) SuppressHealthChecks(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "suppress")
	f.grace = d
}

func (f *fakeRecovery) RestartProviders(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "restart")
}

func (f *fakeRecovery) ResetStalled() (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset")
	return 2, 1
}

func (f *fakeRecovery) ResumeDrains() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "resume")
}

func TestRecoverySequence(t *testing.T) {
	rec := &fakeRecovery{}
	d := New(config.WakeConfig{CheckIntervalMS: 60000, GraceWindowMS: 90000}, rec)

	d.recover()

	require.Equal(t, []string{"suppress", "restart", "reset", "resume"}, rec.calls)
	assert.Equal(t, 90*time.Second, rec.grace)
}

func TestThresholdDefaultsToTwiceInterval(t *testing.T) {
	cfg := config.WakeConfig{CheckIntervalMS: 60000}
	assert.Equal(t, 2*time.Minute, cfg.Threshold())

	cfg.ThresholdMS = 30000
	assert.Equal(t, 30*time.Second, cfg.Threshold())
}

func TestStopIsIdempotent(t *testing.T) {
	d := New(config.WakeConfig{CheckIntervalMS: 10}, &fakeRecovery{})
	d.Start()
	d.Stop()
	d.Stop()
}
