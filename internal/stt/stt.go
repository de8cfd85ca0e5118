// Package stt transcribes downloaded voice attachments through an external
// speech-to-text proxy. Transcription is best effort: an unconfigured client
// skips silently and failures leave the attachment untranscribed.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
)

// transcribeEndpoint is the path appended to the configured proxy URL.
const transcribeEndpoint = "/transcribe_audio"

const defaultTimeout = 30 * time.Second

// Client calls the STT proxy. A nil or unconfigured client is safe to use;
// Transcribe becomes a no-op.
type Client struct {
	cfg   config.STTConfig
	httpc *http.Client
}

// New creates a client from config.
func New(cfg config.STTConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: timeout}}
}

// Enabled reports whether a proxy URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.ProxyURL != ""
}

type transcribeResponse struct {
	Transcript string `json:"transcript"`
}

// Transcribe posts the audio file as multipart form data and returns the
// transcript. Returns ("", nil) when the client is not configured or the
// file path is empty.
func (c *Client) Transcribe(ctx context.Context, filePath string) (string, error) {
	if !c.Enabled() || filePath == "" {
		return "", nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("stt: open audio file %q: %w", filePath, err)
	}
	defer f.Close()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return "", fmt.Errorf("stt: create form file field: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("stt: write audio bytes to form: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("stt: close multipart writer: %w", err)
	}

	url := c.cfg.ProxyURL + transcribeEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("stt: build request to %q: %w", url, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt: request to %q failed: %w", url, err)
	}
	defer resp.Body.Close()

	// 1 MB cap; transcripts are small.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("stt: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt: upstream returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result transcribeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("stt: parse response JSON: %w", err)
	}
	return result.Transcript, nil
}
