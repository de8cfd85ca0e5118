// Package wake detects host suspend/resume cycles and drives recovery:
// provider restarts, stalled-claim resets and re-drains. Detection compares
// wall-clock elapsed time against the expected timer interval; a large gap
// means the process was frozen with the host.
package wake

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
)

// Recovery is the set of actions taken after a detected wake. Implemented by
// the lifecycle supervisor.
type Recovery interface {
	// SuppressHealthChecks pauses daemon/container health-check kills for
	// the grace window.
	SuppressHealthChecks(d time.Duration)

	// RestartProviders stops and restarts every connected provider.
	RestartProviders(ctx context.Context)

	// ResetStalled moves abandoned message claims and job leases back to
	// pending. Returns counts for logging.
	ResetStalled() (messages, jobs int64)

	// ResumeDrains re-drains every registered chat with pending messages.
	ResumeDrains()
}

// Detector fires recovery when a timer tick arrives far later than
// scheduled.
type Detector struct {
	cfg      config.WakeConfig
	recovery Recovery

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func New(cfg config.WakeConfig, recovery Recovery) *Detector {
	return &Detector{cfg: cfg, recovery: recovery, stop: make(chan struct{})}
}

// Start launches the detection loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.loop()
	slog.Info("wake detector started",
		"check_interval", d.cfg.CheckInterval(), "threshold", d.cfg.Threshold())
}

// Stop halts the loop. Idempotent.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}

func (d *Detector) loop() {
	defer d.wg.Done()

	interval := d.cfg.CheckInterval()
	threshold := d.cfg.Threshold()
	last := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			now := time.Now()
			sleep := now.Sub(last) - interval
			last = now
			if sleep > threshold {
				slog.Warn("host wake detected", "sleep", sleep.Round(time.Second))
				d.recover()
			}
		}
	}
}

// recover runs the recovery sequence: suppress health checks, restart
// providers, reset stalled claims, re-drain pending chats.
func (d *Detector) recover() {
	d.recovery.SuppressHealthChecks(d.cfg.GraceWindow())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	d.recovery.RestartProviders(ctx)

	messages, jobs := d.recovery.ResetStalled()
	slog.Info("stalled work recovered after wake", "messages", messages, "jobs", jobs)

	d.recovery.ResumeDrains()
}
