package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/provider"
	"github.com/dotclaw/dotclaw/internal/store"
)

// attachmentsJSON serializes attachments for storage; empty slice → "".
func attachmentsJSON(atts []bus.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	b, err := json.Marshal(atts)
	if err != nil {
		slog.Warn("attachment marshal failed", "error", err)
		return ""
	}
	return string(b)
}

// downloadAttachments fetches every attachment referenced by the batch into
// the media directory and returns a note for the agent prompt: local paths
// for downloaded files, transcripts for voice, and per-item failure reasons.
// Returns "" when the batch carries no attachments.
func (p *Pipeline) downloadAttachments(chatID string, batch []store.QueuedMessage) string {
	prov, _, err := p.providers.Resolve(chatID)
	if err != nil {
		return ""
	}
	maxBytes := prov.Capabilities().MaxAttachmentBytes

	var downloaded, failed []string
	for _, q := range batch {
		if q.AttachmentsJSON == "" {
			continue
		}
		var atts []bus.Attachment
		if err := json.Unmarshal([]byte(q.AttachmentsJSON), &atts); err != nil {
			slog.Warn("attachment decode failed", "chat", chatID, "message", q.MessageID, "error", err)
			continue
		}

		for _, att := range atts {
			if maxBytes > 0 && att.SizeBytes > maxBytes {
				failed = append(failed, fmt.Sprintf("%s: too large (%d bytes)", att.FileName, att.SizeBytes))
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			path, err := prov.DownloadFile(ctx, att.ProviderRef, p.mediaDir, att.FileName)
			cancel()
			if err != nil {
				reason := "temporary failure, try resending"
				if errors.Is(err, provider.ErrTooLarge) {
					reason = "too large"
				}
				failed = append(failed, fmt.Sprintf("%s: %s", att.FileName, reason))
				slog.Warn("attachment download failed", "chat", chatID, "file", att.FileName, "error", err)
				continue
			}

			entry := fmt.Sprintf("%s (%s): %s", att.FileName, att.Type, path)
			if att.Type == "voice" {
				transcript := att.Transcript
				if transcript == "" && p.stt.Enabled() {
					sttCtx, sttCancel := context.WithTimeout(context.Background(), time.Minute)
					text, terr := p.stt.Transcribe(sttCtx, path)
					sttCancel()
					if terr != nil {
						slog.Warn("voice transcription failed", "chat", chatID, "file", att.FileName, "error", terr)
					} else {
						transcript = text
					}
				}
				if transcript != "" {
					entry += "\ntranscript: " + transcript
				}
			}
			downloaded = append(downloaded, entry)
		}
	}

	if len(downloaded) == 0 && len(failed) == 0 {
		return ""
	}

	if len(failed) > 0 {
		p.sendReply(chatID,
			"I couldn't fetch some attachments:\n- "+strings.Join(failed, "\n- "),
			batch[len(batch)-1].MessageThreadID, "")
	}

	if len(downloaded) == 0 {
		return ""
	}
	return "Attached files:\n" + strings.Join(downloaded, "\n")
}
