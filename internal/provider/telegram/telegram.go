// Package telegram connects DotClaw to the Telegram Bot API using long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/dotclaw/dotclaw/internal/bus"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/provider"
)

// defaultMaxAttachmentBytes is the Telegram Bot API download limit (20MB).
const defaultMaxAttachmentBytes int64 = 20 * 1024 * 1024

// telegramGeneralTopicID is the fixed "General" topic in forum supergroups.
// Send calls must omit it or Telegram rejects with "thread not found".
const telegramGeneralTopicID = 1

// Provider is the Telegram messaging provider.
type Provider struct {
	bot            *telego.Bot
	cfg            config.TelegramConfig
	handlers       bus.Handlers
	requireMention bool
	maxBytes       int64

	// sendPace smooths outbound API calls under Telegram's global limit.
	sendPace *rate.Limiter

	connected  atomic.Bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the provider from config. The bot token comes from the
// environment; cfg.Proxy optionally routes API traffic.
func New(cfg config.TelegramConfig) (*Provider, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}

	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes == 0 {
		maxBytes = defaultMaxAttachmentBytes
	}

	return &Provider{
		bot:            bot,
		cfg:            cfg,
		requireMention: requireMention,
		maxBytes:       maxBytes,
		sendPace:       rate.NewLimiter(rate.Every(50*time.Millisecond), 5),
	}, nil
}

func (p *Provider) Name() string { return "telegram" }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		MaxAttachmentBytes: p.maxBytes,
		SupportsReactions:  true,
		SupportsThreads:    true,
		SupportsPolls:      true,
		SupportsVoice:      true,
		SupportsEditing:    true,
	}
}

func (p *Provider) IsConnected() bool { return p.connected.Load() }

func (p *Provider) BotUsername() string { return p.bot.Username() }

// Start begins long polling for updates and dispatches into handlers.
func (p *Provider) Start(ctx context.Context, handlers bus.Handlers) error {
	slog.Info("starting telegram provider (polling mode)")
	p.handlers = handlers

	pollCtx, cancel := context.WithCancel(context.Background())
	p.pollCancel = cancel
	p.pollDone = make(chan struct{})

	updates, err := p.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
		AllowedUpdates: []string{
			"message",
			"callback_query",
			"message_reaction",
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	p.connected.Store(true)
	slog.Info("telegram provider connected", "username", p.bot.Username())

	go func() {
		defer close(p.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				switch {
				case update.Message != nil:
					p.handleMessage(pollCtx, update.Message)
				case update.CallbackQuery != nil:
					p.handleCallbackQuery(pollCtx, update.CallbackQuery)
				case update.MessageReaction != nil:
					p.handleReaction(update.MessageReaction)
				default:
					slog.Debug("telegram update skipped", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop cancels polling and waits for the goroutine to exit so Telegram
// releases the getUpdates lock before a restart.
func (p *Provider) Stop(_ context.Context) error {
	slog.Info("stopping telegram provider")
	p.connected.Store(false)

	if p.pollCancel != nil {
		p.pollCancel()
	}
	if p.pollDone != nil {
		select {
		case <-p.pollDone:
			slog.Info("telegram provider stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// parseChatID converts a provider-local chat ID string to int64.
func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// resolveThreadIDForSend drops the General topic ID from send parameters.
func resolveThreadIDForSend(threadID int) int {
	if threadID == telegramGeneralTopicID {
		return 0
	}
	return threadID
}
