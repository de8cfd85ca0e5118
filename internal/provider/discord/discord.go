// Package discord connects DotClaw to Discord through the gateway API.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// defaultMaxAttachmentBytes matches Discord's upload limit for regular
// servers (25MB).
const defaultMaxAttachmentBytes int64 = 25 * 1024 * 1024

// Provider is the Discord messaging provider.
type Provider struct {
	session        *discordgo.Session
	cfg            config.DiscordConfig
	handlers       bus.Handlers
	requireMention bool
	maxBytes       int64

	botUserID   string
	botUsername string
	connected   atomic.Bool
}

// New creates the provider from config. The bot token comes from the
// environment.
func New(cfg config.DiscordConfig) (*Provider, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxAttachmentBytes
	}

	p := &Provider{
		session:        session,
		cfg:            cfg,
		requireMention: requireMention,
		maxBytes:       maxBytes,
	}

	// Handlers register once; Start/Stop cycles reuse the same session.
	session.AddHandler(p.handleMessageCreate)
	session.AddHandler(p.handleReactionAdd)
	session.AddHandler(p.handleInteraction)

	return p, nil
}

func (p *Provider) Name() string { return "discord" }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		MaxAttachmentBytes: p.maxBytes,
		SupportsReactions:  true,
		SupportsThreads:    false,
		SupportsPolls:      false,
		SupportsVoice:      true,
		SupportsEditing:    true,
	}
}

func (p *Provider) IsConnected() bool { return p.connected.Load() }

func (p *Provider) BotUsername() string { return p.botUsername }

// Start opens the gateway connection and begins receiving events.
func (p *Provider) Start(_ context.Context, handlers bus.Handlers) error {
	slog.Info("starting discord provider")
	p.handlers = handlers

	if err := p.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := p.session.User("@me")
	if err != nil {
		p.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	p.botUserID = user.ID
	p.botUsername = user.Username

	p.connected.Store(true)
	slog.Info("discord provider connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (p *Provider) Stop(_ context.Context) error {
	slog.Info("stopping discord provider")
	p.connected.Store(false)
	return p.session.Close()
}
