package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/hooks"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/stt"
	"github.com/dotclaw/dotclaw/internal/trace"
)

// fakeProvider records outbound sends and serves canned attachment downloads.
type fakeProvider struct {
	mu    sync.Mutex
	sent  []string
	seq   int
	files map[string][]byte // provider_ref → content
}

func (f *fakeProvider) Name() string { return "telegram" }

func (f *fakeProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{MaxAttachmentBytes: 10 << 20, SupportsVoice: true}
}

func (f *fakeProvider) IsConnected() bool                         { return true }
func (f *fakeProvider) Start(context.Context, bus.Handlers) error { return nil }
func (f *fakeProvider) Stop(context.Context) error                { return nil }

func (f *fakeProvider) SendMessage(_ context.Context, _, text string, _ *bus.SendOptions) (bus.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent = append(f.sent, text)
	return bus.SendResult{Success: true, MessageID: fmt.Sprintf("out-%d", f.seq)}, nil
}

func (f *fakeProvider) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeProvider) SendDocument(context.Context, string, string, string) error { return nil }
func (f *fakeProvider) SendPhoto(context.Context, string, string, string) error    { return nil }
func (f *fakeProvider) SendVoice(context.Context, string, string) error            { return nil }
func (f *fakeProvider) SendAudio(context.Context, string, string) error            { return nil }
func (f *fakeProvider) SendLocation(context.Context, string, float64, float64) error {
	return nil
}
func (f *fakeProvider) SendContact(context.Context, string, string, string) error { return nil }
func (f *fakeProvider) SendPoll(context.Context, string, string, []string) error  { return nil }
func (f *fakeProvider) SendInlineKeyboard(context.Context, string, string, [][]provider.Button) error {
	return nil
}
func (f *fakeProvider) EditMessage(context.Context, string, string, string) error { return nil }
func (f *fakeProvider) DeleteMessage(context.Context, string, string) error       { return nil }

func (f *fakeProvider) DownloadFile(_ context.Context, ref, destDir, filename string) (string, error) {
	f.mu.Lock()
	data, ok := f.files[ref]
	f.mu.Unlock()
	if !ok {
		return "", provider.ErrTransient
	}
	path := filepath.Join(destDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeProvider) BotUsername() string { return "dotclaw_bot" }

// stubRunner records the specs it was asked to execute and answers ok.
type stubRunner struct {
	mu    sync.Mutex
	specs []agent.Spec
}

func (r *stubRunner) Execute(_ context.Context, spec agent.Spec) (*agent.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	return &agent.Result{Output: agent.ContainerOutput{Status: "ok"}}, nil
}

func (r *stubRunner) recorded() []agent.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.Spec(nil), r.specs...)
}

type testPipeline struct {
	p      *Pipeline
	prov   *fakeProvider
	runner *stubRunner
	reg    *groups.Registry
	st     *store.Store
}

func newTestPipeline(t *testing.T, mutate func(*config.PipelineConfig)) *testPipeline {
	t.Helper()

	cfg := config.Default().Pipeline
	cfg.BatchWindowMS = 100
	// No jobs manager is wired; keep every run in the foreground.
	cfg.AutoSpawn = config.AutoSpawnConfig{}
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := groups.Load(t.TempDir())
	require.NoError(t, err)

	prov := &fakeProvider{files: map[string][]byte{}}
	providers := provider.NewRegistry()
	providers.Register(prov)

	traces, err := trace.NewWriter(t.TempDir())
	require.NoError(t, err)

	runner := &stubRunner{}
	p := New(cfg, st, providers, reg, hooks.New(config.HooksConfig{}), runner, nil, traces,
		stt.New(config.STTConfig{}), "UTC", t.TempDir(), t.TempDir())
	p.Start()
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })

	return &testPipeline{p: p, prov: prov, runner: runner, reg: reg, st: st}
}

func incoming(chatID, messageID, content string) bus.IncomingMessage {
	return bus.IncomingMessage{
		ChatID:     chatID,
		MessageID:  messageID,
		SenderID:   "user-1",
		SenderName: "Alice",
		Content:    content,
		Timestamp:  time.Now().UTC(),
		ChatType:   bus.ChatTypePrivate,
	}
}

func TestBootstrapAddGroupRegistersMain(t *testing.T) {
	tp := newTestPipeline(t, nil)

	// Fresh install, nothing registered: the first add-group claims main.
	tp.p.HandleMessage(incoming("telegram:100", "m1", "/dotclaw add-group main Main"))

	g, ok := tp.reg.ByChat("telegram:100")
	require.True(t, ok)
	assert.Equal(t, config.MainGroupFolder, g.Folder)

	mainChat, ok := tp.reg.MainChatID()
	require.True(t, ok)
	assert.Equal(t, "telegram:100", mainChat)

	sent := tp.prov.sentTexts()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "Registered group")
}

func TestBootstrapRejectsNonMainFolder(t *testing.T) {
	tp := newTestPipeline(t, nil)

	tp.p.HandleMessage(incoming("telegram:100", "m1", "/dotclaw add-group dev Dev"))

	_, ok := tp.reg.ByChat("telegram:100")
	assert.False(t, ok)

	sent := tp.prov.sentTexts()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "No main group registered yet")
}

func TestAddGroupAfterBootstrapStaysMainOnly(t *testing.T) {
	tp := newTestPipeline(t, nil)
	require.NoError(t, tp.reg.Register("telegram:1", groups.Group{Name: "Main", Folder: config.MainGroupFolder}))

	// Once main exists, an unregistered chat cannot register itself.
	tp.p.HandleMessage(incoming("telegram:200", "m1", "/dotclaw add-group dev Dev"))

	_, ok := tp.reg.ByChat("telegram:200")
	assert.False(t, ok)

	sent := tp.prov.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "This command can only be used from the main group.", sent[0])
}

func TestAdminCommandFromUnregisteredChatRejected(t *testing.T) {
	tp := newTestPipeline(t, nil)

	tp.p.HandleMessage(incoming("telegram:200", "m1", "/dotclaw groups"))

	sent := tp.prov.sentTexts()
	require.Len(t, sent, 1)
	assert.Equal(t, "This command can only be used from the main group.", sent[0])
}

func TestRateLimitChargedPerMessage(t *testing.T) {
	tp := newTestPipeline(t, func(cfg *config.PipelineConfig) {
		cfg.RateLimitMax = 2
	})
	require.NoError(t, tp.reg.Register("telegram:1", groups.Group{Name: "Main", Folder: config.MainGroupFolder}))

	// Four messages against a budget of two: each admission is charged
	// individually, so the third and fourth are both turned away.
	for i := 0; i < 4; i++ {
		tp.p.HandleMessage(incoming("telegram:1", fmt.Sprintf("m%d", i), fmt.Sprintf("hello %d", i)))
	}

	var limited int
	for _, text := range tp.prov.sentTexts() {
		if strings.Contains(text, "You're sending messages too quickly") {
			limited++
		}
	}
	assert.Equal(t, 2, limited)
}

func TestVoiceAttachmentTranscribedIntoPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	tp := newTestPipeline(t, nil)
	tp.p.stt = stt.New(config.STTConfig{ProxyURL: srv.URL})
	require.NoError(t, tp.reg.Register("telegram:1", groups.Group{Name: "Main", Folder: config.MainGroupFolder}))
	tp.prov.files["v1"] = []byte("ogg-bytes")

	msg := incoming("telegram:1", "m1", "what does the voice note say")
	msg.Attachments = []bus.Attachment{{Type: "voice", ProviderRef: "v1", FileName: "note.ogg"}}
	tp.p.HandleMessage(msg)

	require.Eventually(t, func() bool {
		return len(tp.runner.recorded()) > 0
	}, 3*time.Second, 10*time.Millisecond)

	specs := tp.runner.recorded()
	assert.Contains(t, specs[len(specs)-1].Prompt, "transcript: hello world")
}
