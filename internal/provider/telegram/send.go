package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// telegramMaxMessageLen is the Bot API limit for one text message.
const telegramMaxMessageLen = 4096

// SendMessage sends text, chunking at the API limit. Returns the ID of the
// last sent chunk.
func (p *Provider) SendMessage(ctx context.Context, chatID, text string, opts *bus.SendOptions) (bus.SendResult, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return bus.SendResult{}, fmt.Errorf("bad telegram chat id %q: %w", chatID, err)
	}

	var lastID int
	for _, chunk := range chunkText(text, telegramMaxMessageLen) {
		if err := p.sendPace.Wait(ctx); err != nil {
			return bus.SendResult{}, err
		}

		msg := tu.Message(tu.ID(id), chunk)
		if opts != nil {
			if threadID := resolveThreadIDForSend(opts.ThreadID); threadID > 0 {
				msg.MessageThreadID = threadID
			}
			if opts.ParseMode != "" {
				msg.ParseMode = opts.ParseMode
			}
			if opts.ReplyToID != "" {
				if replyID, rerr := parseChatID(opts.ReplyToID); rerr == nil {
					msg.ReplyParameters = &telego.ReplyParameters{MessageID: int(replyID)}
				}
			}
		}

		sent, err := p.bot.SendMessage(ctx, msg)
		if err != nil {
			return bus.SendResult{}, fmt.Errorf("telegram send: %w", err)
		}
		lastID = sent.MessageID
	}

	return bus.SendResult{Success: true, MessageID: fmt.Sprintf("%d", lastID)}, nil
}

func (p *Provider) SendDocument(ctx context.Context, chatID, path, caption string) error {
	id, f, err := p.openForSend(chatID, path)
	if err != nil {
		return err
	}
	defer f.Close()

	doc := tu.Document(tu.ID(id), tu.File(f))
	if caption != "" {
		doc.Caption = caption
	}
	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendDocument(ctx, doc)
	return err
}

func (p *Provider) SendPhoto(ctx context.Context, chatID, path, caption string) error {
	id, f, err := p.openForSend(chatID, path)
	if err != nil {
		return err
	}
	defer f.Close()

	photo := tu.Photo(tu.ID(id), tu.File(f))
	if caption != "" {
		photo.Caption = caption
	}
	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendPhoto(ctx, photo)
	return err
}

func (p *Provider) SendVoice(ctx context.Context, chatID, path string) error {
	id, f, err := p.openForSend(chatID, path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendVoice(ctx, tu.Voice(tu.ID(id), tu.File(f)))
	return err
}

func (p *Provider) SendAudio(ctx context.Context, chatID, path string) error {
	id, f, err := p.openForSend(chatID, path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendAudio(ctx, tu.Audio(tu.ID(id), tu.File(f)))
	return err
}

func (p *Provider) SendLocation(ctx context.Context, chatID string, latitude, longitude float64) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendLocation(ctx, tu.Location(tu.ID(id), latitude, longitude))
	return err
}

func (p *Provider) SendContact(ctx context.Context, chatID, phone, name string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendContact(ctx, tu.Contact(tu.ID(id), phone, name))
	return err
}

func (p *Provider) SendPoll(ctx context.Context, chatID, question string, options []string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	pollOptions := make([]telego.InputPollOption, len(options))
	for i, o := range options {
		pollOptions[i] = tu.PollOption(o)
	}
	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendPoll(ctx, tu.Poll(tu.ID(id), question, pollOptions...))
	return err
}

// SendInlineKeyboard sends text with callback buttons. Button data is the
// opaque key echoed back on clicks.
func (p *Provider) SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]provider.Button) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}

	rows := make([][]telego.InlineKeyboardButton, len(buttons))
	for i, row := range buttons {
		rows[i] = make([]telego.InlineKeyboardButton, len(row))
		for j, btn := range row {
			rows[i][j] = tu.InlineKeyboardButton(btn.Label).WithCallbackData(btn.Data)
		}
	}

	msg := tu.Message(tu.ID(id), text)
	msg.ReplyMarkup = &telego.InlineKeyboardMarkup{InlineKeyboard: rows}

	if err := p.sendPace.Wait(ctx); err != nil {
		return err
	}
	_, err = p.bot.SendMessage(ctx, msg)
	return err
}

func (p *Provider) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseChatID(messageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	_, err = p.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: int(msgID),
		Text:      text,
	})
	return err
}

func (p *Provider) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := parseChatID(messageID)
	if err != nil {
		return fmt.Errorf("bad telegram message id %q: %w", messageID, err)
	}
	return p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    tu.ID(id),
		MessageID: int(msgID),
	})
}

// DownloadFile fetches a file by file_id through the Bot API file endpoint.
func (p *Provider) DownloadFile(ctx context.Context, providerRef, destDir, filename string) (string, error) {
	file, err := p.bot.GetFile(ctx, &telego.GetFileParams{FileID: providerRef})
	if err != nil {
		return "", fmt.Errorf("%w: get file info: %v", provider.ErrTransient, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", providerRef)
	}
	if int64(file.FileSize) > p.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", provider.ErrTooLarge, file.FileSize, p.maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", p.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
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

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	if filename == "" {
		filename = filepath.Base(file.FilePath)
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

// openForSend parses the chat id and opens the local file for upload.
func (p *Provider) openForSend(chatID, path string) (int64, *os.File, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return 0, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return id, f, nil
}

// chunkText splits text on line boundaries where possible, hard-splitting
// lines longer than limit.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if b.Len() > 0 {
				chunks = append(chunks, b.String())
				b.Reset()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		if b.Len()+len(line)+1 > limit {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
