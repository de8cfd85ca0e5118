package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotclaw/dotclaw/internal/config"
)

func writeAudioFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.ogg")
	require.NoError(t, os.WriteFile(path, []byte("fake-ogg-bytes"), 0o644))
	return path
}

func TestTranscribeSendsMultipartAndParsesTranscript(t *testing.T) {
	audioPath := writeAudioFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transcribe_audio", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "note.ogg", hdr.Filename)
		body, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "fake-ogg-bytes", string(body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	c := New(config.STTConfig{ProxyURL: srv.URL, APIKey: "sekrit"})
	got, err := c.Transcribe(context.Background(), audioPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestTranscribeUnconfiguredIsNoop(t *testing.T) {
	c := New(config.STTConfig{})
	assert.False(t, c.Enabled())

	got, err := c.Transcribe(context.Background(), "/nonexistent/audio.ogg")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTranscribeUpstreamErrorSurfaces(t *testing.T) {
	audioPath := writeAudioFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.STTConfig{ProxyURL: srv.URL})
	_, err := c.Transcribe(context.Background(), audioPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
