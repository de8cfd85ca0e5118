package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// handleMessage converts a Telegram message into a bus.IncomingMessage.
func (p *Provider) handleMessage(ctx context.Context, message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	// Forum detection: for non-forum groups message_thread_id is reply
	// context, not a topic; forum groups without it are in General.
	threadID := 0
	if isGroup && message.Chat.IsForum {
		threadID = message.MessageThreadID
		if threadID == 0 {
			threadID = telegramGeneralTopicID
		}
	}

	content := message.Text
	if message.Caption != "" {
		if content != "" {
			content += "\n"
		}
		content += message.Caption
	}

	attachments := collectAttachments(message)

	mentioned := p.detectMention(message)
	replied := message.ReplyToMessage != nil && message.ReplyToMessage.From != nil &&
		message.ReplyToMessage.From.Username == p.bot.Username()

	// Typing indicator while the pipeline works on it.
	if !isGroup || mentioned || replied {
		action := tu.ChatAction(tu.ID(message.Chat.ID), telego.ChatActionTyping)
		if threadID > 0 {
			action.MessageThreadID = threadID
		}
		if err := p.bot.SendChatAction(ctx, action); err != nil {
			slog.Debug("telegram typing indicator failed", "chat_id", message.Chat.ID, "error", err)
		}
	}

	senderName := user.FirstName
	if user.Username != "" {
		senderName = "@" + user.Username
	}

	chatType := bus.ChatTypePrivate
	switch message.Chat.Type {
	case "group":
		chatType = bus.ChatTypeGroup
	case "supergroup":
		chatType = bus.ChatTypeSupergroup
	}

	// With mention gating disabled every group message addresses the bot.
	if isGroup && !p.requireMention {
		mentioned = true
	}

	p.handlers.OnMessage(bus.IncomingMessage{
		ChatID:          provider.PrefixChatID(p.Name(), fmt.Sprintf("%d", message.Chat.ID)),
		MessageID:       fmt.Sprintf("%d", message.MessageID),
		SenderID:        fmt.Sprintf("%d", user.ID),
		SenderName:      senderName,
		Content:         content,
		Timestamp:       time.Unix(int64(message.Date), 0).UTC(),
		Attachments:     attachments,
		IsGroup:         isGroup,
		ChatType:        chatType,
		ThreadID:        threadID,
		BotMentioned:    mentioned,
		BotReplied:      replied,
		RawProviderData: message,
	})
}

// handleCallbackQuery dispatches inline-button clicks and acknowledges the
// query so the client stops its spinner.
func (p *Provider) handleCallbackQuery(ctx context.Context, query *telego.CallbackQuery) {
	if err := p.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		slog.Debug("telegram callback ack failed", "error", err)
	}

	if query.Message == nil || p.handlers.OnButtonClick == nil {
		return
	}

	chat := query.Message.GetChat()
	threadID := 0
	if msg, ok := query.Message.(*telego.Message); ok {
		threadID = msg.MessageThreadID
	}

	senderName := query.From.FirstName
	if query.From.Username != "" {
		senderName = "@" + query.From.Username
	}

	p.handlers.OnButtonClick(
		provider.PrefixChatID(p.Name(), fmt.Sprintf("%d", chat.ID)),
		fmt.Sprintf("%d", query.From.ID),
		senderName,
		"", // label is not echoed back by Telegram
		query.Data,
		threadID,
	)
}

// handleReaction forwards emoji reactions on bot messages as feedback.
func (p *Provider) handleReaction(reaction *telego.MessageReactionUpdated) {
	if p.handlers.OnReaction == nil {
		return
	}

	userID := ""
	if reaction.User != nil {
		userID = fmt.Sprintf("%d", reaction.User.ID)
	}

	for _, r := range reaction.NewReaction {
		emoji, ok := r.(*telego.ReactionTypeEmoji)
		if !ok {
			continue
		}
		p.handlers.OnReaction(
			provider.PrefixChatID(p.Name(), fmt.Sprintf("%d", reaction.Chat.ID)),
			fmt.Sprintf("%d", reaction.MessageID),
			userID,
			emoji.Emoji,
		)
	}
}

// detectMention checks text and caption entities for an @mention of the bot,
// falling back to a substring check.
func (p *Provider) detectMention(msg *telego.Message) bool {
	botUsername := p.bot.Username()
	if botUsername == "" {
		return false
	}
	lowerBot := strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			if entity.Type == "mention" {
				mentioned := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.EqualFold(mentioned, "@"+botUsername) {
					return true
				}
			}
			if entity.Type == "bot_command" {
				cmd := pair.text[entity.Offset : entity.Offset+entity.Length]
				if strings.Contains(strings.ToLower(cmd), "@"+lowerBot) {
					return true
				}
			}
		}
	}

	if msg.Text != "" && strings.Contains(strings.ToLower(msg.Text), "@"+lowerBot) {
		return true
	}
	return msg.Caption != "" && strings.Contains(strings.ToLower(msg.Caption), "@"+lowerBot)
}

// collectAttachments lists the message's media by provider reference. The
// pipeline decides what to download.
func collectAttachments(msg *telego.Message) []bus.Attachment {
	var out []bus.Attachment

	if len(msg.Photo) > 0 {
		// Highest resolution is the last element.
		photo := msg.Photo[len(msg.Photo)-1]
		out = append(out, bus.Attachment{
			Type:        "photo",
			ProviderRef: photo.FileID,
			FileName:    fmt.Sprintf("photo-%d.jpg", msg.MessageID),
			MimeType:    "image/jpeg",
			SizeBytes:   int64(photo.FileSize),
		})
	}
	if msg.Voice != nil {
		out = append(out, bus.Attachment{
			Type:        "voice",
			ProviderRef: msg.Voice.FileID,
			FileName:    fmt.Sprintf("voice-%d.ogg", msg.MessageID),
			MimeType:    msg.Voice.MimeType,
			SizeBytes:   int64(msg.Voice.FileSize),
		})
	}
	if msg.Audio != nil {
		out = append(out, bus.Attachment{
			Type:        "audio",
			ProviderRef: msg.Audio.FileID,
			FileName:    msg.Audio.FileName,
			MimeType:    msg.Audio.MimeType,
			SizeBytes:   int64(msg.Audio.FileSize),
		})
	}
	if msg.Video != nil {
		out = append(out, bus.Attachment{
			Type:        "video",
			ProviderRef: msg.Video.FileID,
			FileName:    msg.Video.FileName,
			MimeType:    msg.Video.MimeType,
			SizeBytes:   int64(msg.Video.FileSize),
		})
	}
	if msg.Document != nil {
		out = append(out, bus.Attachment{
			Type:        "document",
			ProviderRef: msg.Document.FileID,
			FileName:    msg.Document.FileName,
			MimeType:    msg.Document.MimeType,
			SizeBytes:   int64(msg.Document.FileSize),
		})
	}
	return out
}

// isServiceMessage reports whether the message carries no user content
// (member joins, title changes, pins).
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
