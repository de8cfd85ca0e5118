package ipc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/groups"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/pkg/protocol"
)

// newTestBus builds a bus over a temp data dir with a main group on
// telegram:1 and a dev group on telegram:2, trees created, nothing started.
// Tests drive consume directly so dispatch is deterministic.
func newTestBus(t *testing.T) *Bus {
	t.Helper()
	dataDir := t.TempDir()

	reg, err := groups.Load(dataDir)
	require.NoError(t, err)
	require.NoError(t, reg.Register("telegram:1", groups.Group{Name: "Main", Folder: "main"}))
	require.NoError(t, reg.Register("telegram:2", groups.Group{Name: "Dev", Folder: "dev"}))

	mem, err := memory.Open(dataDir)
	require.NoError(t, err)

	b := New(config.IPCConfig{PollIntervalMS: 1000}, dataDir, provider.NewRegistry(), reg, nil, nil, mem)
	require.NoError(t, os.MkdirAll(b.errorsDir, 0o755))
	for _, folder := range []string{"main", "dev"} {
		require.NoError(t, b.ensureGroupTree(folder))
	}
	return b
}

func dropFile(t *testing.T, b *Bus, folder, channel, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(b.root, folder, channel, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readResponse(t *testing.T, b *Bus, folder, id string) protocol.Response {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(b.root, folder, "responses", id+".json"))
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestRegisterGroupOpRequiresMain(t *testing.T) {
	b := newTestBus(t)

	op := protocol.TaskOp{Type: protocol.OpRegisterGroup,
		Payload: json.RawMessage(`{"chat_id":"telegram:3","name":"Ops","folder":"ops"}`)}

	// From a non-main group the op is dropped: consumed, never quarantined,
	// and nothing gets registered.
	path := dropFile(t, b, "dev", "tasks", "op.json", op)
	b.consume("dev", "tasks", path)
	assert.NoFileExists(t, path)
	_, _, ok := b.groups.ByFolder("ops")
	assert.False(t, ok)
	entries, err := os.ReadDir(b.errorsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// From main the same op registers the group and creates its IPC tree.
	path = dropFile(t, b, "main", "tasks", "op.json", op)
	b.consume("main", "tasks", path)
	assert.NoFileExists(t, path)
	chatID, g, ok := b.groups.ByFolder("ops")
	require.True(t, ok)
	assert.Equal(t, "telegram:3", chatID)
	assert.Equal(t, "Ops", g.Name)
	assert.DirExists(t, filepath.Join(b.root, "ops", "requests"))
}

func TestConsumeQuarantinesMalformedFiles(t *testing.T) {
	b := newTestBus(t)

	path := filepath.Join(b.root, "dev", "tasks", "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	b.consume("dev", "tasks", path)

	// The file moves to errors/ under a timestamped name; the channel dir is
	// left clean so the scanner never re-reads it.
	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(b.errorsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "bad.json")
}

func TestMemoryRequestsWriteResponses(t *testing.T) {
	b := newTestBus(t)

	set := protocol.Request{ID: "r1", Type: protocol.ReqMemorySet,
		Payload: json.RawMessage(`{"key":"color","value":"green"}`)}
	path := dropFile(t, b, "dev", "requests", "r1.json", set)
	b.consume("dev", "requests", path)
	assert.NoFileExists(t, path)

	resp := readResponse(t, b, "dev", "r1")
	assert.True(t, resp.OK)

	get := protocol.Request{ID: "r2", Type: protocol.ReqMemoryGet,
		Payload: json.RawMessage(`{"key":"color"}`)}
	path = dropFile(t, b, "dev", "requests", "r2.json", get)
	b.consume("dev", "requests", path)

	resp = readResponse(t, b, "dev", "r2")
	assert.True(t, resp.OK)
	assert.Contains(t, string(resp.Result), "green")
}

func TestRequestWithoutIDIsQuarantined(t *testing.T) {
	b := newTestBus(t)

	req := protocol.Request{Type: protocol.ReqListGroups}
	path := dropFile(t, b, "dev", "requests", "anon.json", req)
	b.consume("dev", "requests", path)

	// No id means no response file can be addressed; the request is
	// quarantined rather than silently dropped.
	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(b.errorsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "anon.json")
}

func TestCrossChatSendRequiresMain(t *testing.T) {
	b := newTestBus(t)

	out := protocol.OutboundFile{ChatID: "telegram:1", Text: "hi main"}
	path := dropFile(t, b, "dev", "messages", "out.json", out)
	b.consume("dev", "messages", path)

	// Blocked before provider resolution: the file is consumed and nothing
	// lands in errors/. An unblocked send would fail to resolve a provider
	// here and be quarantined instead.
	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(b.errorsDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
