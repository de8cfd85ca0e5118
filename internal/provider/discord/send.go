package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// discordMaxMessageLen is the hard limit for one message.
const discordMaxMessageLen = 2000

// SendMessage sends text, chunking at the message limit. Returns the ID of
// the last sent chunk.
func (p *Provider) SendMessage(_ context.Context, chatID, text string, opts *bus.SendOptions) (bus.SendResult, error) {
	if !p.connected.Load() {
		return bus.SendResult{}, fmt.Errorf("discord provider not connected")
	}

	var lastID string
	content := text
	first := true
	for len(content) > 0 || first {
		chunk := content
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := strings.LastIndexByte(content[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}

		send := &discordgo.MessageSend{Content: chunk}
		if first && opts != nil && opts.ReplyToID != "" {
			send.Reference = &discordgo.MessageReference{
				MessageID: opts.ReplyToID,
				ChannelID: chatID,
			}
		}

		sent, err := p.session.ChannelMessageSendComplex(chatID, send)
		if err != nil {
			return bus.SendResult{}, fmt.Errorf("send discord message: %w", err)
		}
		lastID = sent.ID
		first = false
	}

	return bus.SendResult{Success: true, MessageID: lastID}, nil
}

func (p *Provider) SendDocument(_ context.Context, chatID, path, caption string) error {
	return p.sendFile(chatID, path, caption)
}

func (p *Provider) SendPhoto(_ context.Context, chatID, path, caption string) error {
	return p.sendFile(chatID, path, caption)
}

func (p *Provider) SendVoice(_ context.Context, chatID, path string) error {
	return p.sendFile(chatID, path, "")
}

func (p *Provider) SendAudio(_ context.Context, chatID, path string) error {
	return p.sendFile(chatID, path, "")
}

// SendLocation has no native Discord equivalent; a maps link stands in.
func (p *Provider) SendLocation(_ context.Context, chatID string, latitude, longitude float64) error {
	text := fmt.Sprintf("Location: https://www.google.com/maps?q=%f,%f", latitude, longitude)
	_, err := p.session.ChannelMessageSend(chatID, text)
	return err
}

// SendContact has no native Discord equivalent; plain text stands in.
func (p *Provider) SendContact(_ context.Context, chatID, phone, name string) error {
	_, err := p.session.ChannelMessageSend(chatID, fmt.Sprintf("Contact: %s (%s)", name, phone))
	return err
}

// SendPoll renders the question and options as text since the capability is
// not advertised.
func (p *Provider) SendPoll(_ context.Context, chatID, question string, options []string) error {
	var b strings.Builder
	b.WriteString("Poll: ")
	b.WriteString(question)
	for i, opt := range options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, opt)
	}
	_, err := p.session.ChannelMessageSend(chatID, b.String())
	return err
}

// SendInlineKeyboard sends text with component buttons. Button data becomes
// the component custom ID echoed back on clicks.
func (p *Provider) SendInlineKeyboard(_ context.Context, chatID, text string, buttons [][]provider.Button) error {
	components := make([]discordgo.MessageComponent, 0, len(buttons))
	for _, row := range buttons {
		rowButtons := make([]discordgo.MessageComponent, 0, len(row))
		for _, btn := range row {
			rowButtons = append(rowButtons, discordgo.Button{
				Label:    btn.Label,
				Style:    discordgo.PrimaryButton,
				CustomID: btn.Data,
			})
		}
		components = append(components, discordgo.ActionsRow{Components: rowButtons})
	}

	_, err := p.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content:    text,
		Components: components,
	})
	return err
}

func (p *Provider) EditMessage(_ context.Context, chatID, messageID, text string) error {
	_, err := p.session.ChannelMessageEdit(chatID, messageID, text)
	return err
}

func (p *Provider) DeleteMessage(_ context.Context, chatID, messageID string) error {
	return p.session.ChannelMessageDelete(chatID, messageID)
}

// DownloadFile fetches an attachment by its CDN URL.
func (p *Provider) DownloadFile(ctx context.Context, providerRef, destDir, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, providerRef, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: download: %v", provider.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: download status %d", provider.ErrTransient, resp.StatusCode)
	}
	if resp.ContentLength > p.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", provider.ErrTooLarge, resp.ContentLength, p.maxBytes)
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	if filename == "" {
		filename = filepath.Base(providerRef)
	}
	dest := filepath.Join(destDir, filename)

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()

	written, err := io.Copy(out, io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("%w: save file: %v", provider.ErrTransient, err)
	}
	if written > p.maxBytes {
		os.Remove(dest)
		return "", fmt.Errorf("%w: exceeded max size during download", provider.ErrTooLarge)
	}
	return dest, nil
}

// sendFile uploads a local file as an attachment.
func (p *Provider) sendFile(chatID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	_, err = p.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{{
			Name:   filepath.Base(path),
			Reader: f,
		}},
	})
	return err
}
