// Package ipc implements the filesystem IPC bus between agent containers
// and the host. Containers drop JSON files into per-group trees under
// DATA_DIR/ipc/; the host consumes each file exactly once and answers
// synchronous requests with atomically written response files.
package ipc

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/scheduler"
)

// channel subdirectories of each group's IPC tree.
var channels = []string{"messages", "tasks", "requests"}

// Bus watches the IPC root and dispatches dropped files. Scans are
// serialized: one in flight, at most one more queued.
type Bus struct {
	cfg       config.IPCConfig
	root      string // DATA_DIR/ipc
	errorsDir string

	providers *provider.Registry
	groups    *groups.Registry
	scheduler *scheduler.Scheduler
	jobs      *jobs.Manager
	memory    *memory.Store

	watcher *fsnotify.Watcher
	scanReq chan struct{}

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func New(
	cfg config.IPCConfig,
	dataDir string,
	providers *provider.Registry,
	groupReg *groups.Registry,
	sched *scheduler.Scheduler,
	jobMgr *jobs.Manager,
	mem *memory.Store,
) *Bus {
	return &Bus{
		cfg:       cfg,
		root:      filepath.Join(dataDir, "ipc"),
		errorsDir: filepath.Join(dataDir, "ipc", "errors"),
		providers: providers,
		groups:    groupReg,
		scheduler: sched,
		jobs:      jobMgr,
		memory:    mem,
		scanReq:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start creates the IPC tree for every registered group and begins watching.
// Falls back to interval polling when the native watcher cannot be created.
func (b *Bus) Start() error {
	if err := os.MkdirAll(b.errorsDir, 0o755); err != nil {
		return fmt.Errorf("create ipc errors dir: %w", err)
	}
	for _, g := range b.groups.Snapshot() {
		if err := b.ensureGroupTree(g.Folder); err != nil {
			return err
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("native fs watcher unavailable, polling only", "error", err)
	} else {
		b.watcher = w
		b.refreshWatches()
		b.wg.Add(1)
		go b.watchLoop()
	}

	b.wg.Add(1)
	go b.scanLoop()

	b.requestScan()
	slog.Info("ipc bus started", "root", b.root, "native_watch", b.watcher != nil)
	return nil
}

// Stop halts the watcher and waits for the in-flight scan. Idempotent.
func (b *Bus) Stop() {
	b.once.Do(func() {
		close(b.stop)
		if b.watcher != nil {
			b.watcher.Close()
		}
	})
	b.wg.Wait()
}

// ensureGroupTree creates the per-group channel directories.
func (b *Bus) ensureGroupTree(folder string) error {
	for _, ch := range append(channels, "responses") {
		if err := os.MkdirAll(filepath.Join(b.root, folder, ch), 0o755); err != nil {
			return fmt.Errorf("create ipc tree for %s: %w", folder, err)
		}
	}
	return nil
}

// requestScan queues a scan; a scan already queued absorbs the request.
func (b *Bus) requestScan() {
	select {
	case b.scanReq <- struct{}{}:
	default:
	}
}

// watchLoop converts fsnotify events into scan requests and keeps the watch
// list current as group trees appear.
func (b *Bus) watchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					b.refreshWatches()
				}
			}
			b.requestScan()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("fs watcher error", "error", err)
		}
	}
}

// refreshWatches (re)adds the root and every channel directory. fsnotify is
// not recursive, so each directory is watched individually.
func (b *Bus) refreshWatches() {
	_ = b.watcher.Add(b.root)
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		_ = b.watcher.Add(filepath.Join(b.root, e.Name()))
		for _, ch := range channels {
			_ = b.watcher.Add(filepath.Join(b.root, e.Name(), ch))
		}
	}
}

// scanLoop serializes scans. The poll ticker backstops missed events and is
// the sole driver when the native watcher is unavailable.
func (b *Bus) scanLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.scan()
		case <-b.scanReq:
			b.scan()
		}
	}
}

// scan walks every group tree and consumes dropped files oldest-first.
func (b *Bus) scan() {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		slog.Error("ipc root scan failed", "error", err)
		return
	}

	for _, e := range entries {
		if !e.IsDir() || e.Name() == "errors" {
			continue
		}
		sourceGroup := e.Name()
		for _, ch := range channels {
			b.scanChannel(sourceGroup, ch)
		}
	}
}

func (b *Bus) scanChannel(sourceGroup, channel string) {
	dir := filepath.Join(b.root, sourceGroup, channel)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ipc channel scan failed", "dir", dir, "error", err)
		}
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b.consume(sourceGroup, channel, path)
	}
}

// consume processes one file exactly once: parse → dispatch → delete.
// Parse and dispatch errors quarantine the file instead.
func (b *Bus) consume(sourceGroup, channel, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("ipc file read failed", "path", path, "error", err)
		return
	}

	switch channel {
	case "messages":
		err = b.dispatchMessage(sourceGroup, data)
	case "tasks":
		err = b.dispatchTaskOp(sourceGroup, data)
	case "requests":
		err = b.dispatchRequest(sourceGroup, data)
	}

	if err != nil {
		slog.Warn("ipc dispatch failed, quarantining", "path", path, "error", err)
		b.quarantine(path)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("ipc file cleanup failed", "path", path, "error", err)
	}
}

func (b *Bus) quarantine(path string) {
	dest := filepath.Join(b.errorsDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("ipc quarantine failed", "path", path, "error", err)
	}
}

// writeResponse drops responses/<id>.json atomically (tmp + rename).
func (b *Bus) writeResponse(sourceGroup string, data []byte, requestID string) error {
	dir := filepath.Join(b.root, sourceGroup, "responses")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	final := filepath.Join(dir, requestID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}
