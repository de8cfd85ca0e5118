package discord

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// handleMessageCreate converts a Discord message into a bus.IncomingMessage.
func (p *Provider) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == p.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""

	content := m.Content
	// Mentions arrive as <@id>; rewrite the bot's own so trigger matching
	// sees a readable handle.
	content = strings.ReplaceAll(content, "<@"+p.botUserID+">", "@"+p.botUsername)
	content = strings.ReplaceAll(content, "<@!"+p.botUserID+">", "@"+p.botUsername)

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == p.botUserID {
			mentioned = true
			break
		}
	}
	replied := m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil &&
		m.ReferencedMessage.Author.ID == p.botUserID

	if !isDM && !p.requireMention {
		mentioned = true
	}

	// Typing indicator while the pipeline works on it. Discord's indicator
	// expires on its own after 10 seconds.
	if isDM || mentioned || replied {
		if err := p.session.ChannelTyping(m.ChannelID); err != nil {
			slog.Debug("discord typing indicator failed", "channel_id", m.ChannelID, "error", err)
		}
	}

	chatType := bus.ChatTypePrivate
	if !isDM {
		chatType = bus.ChatTypeGroup
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	p.handlers.OnMessage(bus.IncomingMessage{
		ChatID:          provider.PrefixChatID(p.Name(), m.ChannelID),
		MessageID:       m.ID,
		SenderID:        m.Author.ID,
		SenderName:      resolveDisplayName(m),
		Content:         content,
		Timestamp:       ts.UTC(),
		Attachments:     collectAttachments(m.Message),
		IsGroup:         !isDM,
		ChatType:        chatType,
		BotMentioned:    mentioned,
		BotReplied:      replied,
		RawProviderData: m.Message,
	})
}

// handleReactionAdd forwards emoji reactions as feedback.
func (p *Provider) handleReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if p.handlers.OnReaction == nil || r.UserID == p.botUserID {
		return
	}
	p.handlers.OnReaction(
		provider.PrefixChatID(p.Name(), r.ChannelID),
		r.MessageID,
		r.UserID,
		r.Emoji.Name,
	)
}

// handleInteraction dispatches component button clicks.
func (p *Provider) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent || p.handlers.OnButtonClick == nil {
		return
	}

	// Ack so the client stops its spinner; the reply arrives as a regular
	// message.
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		slog.Debug("discord interaction ack failed", "error", err)
	}

	senderID := ""
	senderName := ""
	switch {
	case i.Member != nil && i.Member.User != nil:
		senderID = i.Member.User.ID
		senderName = i.Member.User.Username
	case i.User != nil:
		senderID = i.User.ID
		senderName = i.User.Username
	}

	p.handlers.OnButtonClick(
		provider.PrefixChatID(p.Name(), i.ChannelID),
		senderID,
		senderName,
		"", // label not carried in the interaction payload
		i.MessageComponentData().CustomID,
		0,
	)
}

// collectAttachments lists the message's uploads by URL. The pipeline decides
// what to download.
func collectAttachments(msg *discordgo.Message) []bus.Attachment {
	var out []bus.Attachment
	for _, att := range msg.Attachments {
		kind := "document"
		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			kind = "photo"
		case strings.HasPrefix(att.ContentType, "audio/"):
			kind = "audio"
		case strings.HasPrefix(att.ContentType, "video/"):
			kind = "video"
		}
		name := att.Filename
		if name == "" {
			name = fmt.Sprintf("attachment-%s", att.ID)
		}
		out = append(out, bus.Attachment{
			Type:        kind,
			ProviderRef: att.URL,
			FileName:    name,
			MimeType:    att.ContentType,
			SizeBytes:   int64(att.Size),
		})
	}
	return out
}

// resolveDisplayName picks the best name for an author. Server nickname wins
// over global display name over username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
