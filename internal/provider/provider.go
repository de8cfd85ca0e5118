// Package provider defines the messaging-provider abstraction and the
// registry that resolves provider-prefixed chat identifiers to their owning
// provider. Providers connect external platforms (Telegram, Discord) to the
// host pipeline via bus.Handlers.
package provider

import (
	"context"
	"errors"

	"github.com/dotclaw/dotclaw/internal/bus"
)

// Download failure kinds. Callers classify with errors.Is; anything else is
// treated as permanent.
var (
	ErrTooLarge  = errors.New("attachment too large")
	ErrTransient = errors.New("transient download failure")
)

// Capabilities describes what a provider supports. The pipeline consults it
// before attempting attachment downloads or rich sends.
type Capabilities struct {
	MaxAttachmentBytes int64
	SupportsReactions  bool
	SupportsThreads    bool
	SupportsPolls      bool
	SupportsVoice      bool
	SupportsEditing    bool
}

// Button is a single inline-keyboard button. Data is an opaque callback
// payload echoed back through Handlers.OnButtonClick.
type Button struct {
	Label string
	Data  string
}

// Provider is a connected messaging platform. Chat IDs passed to Send*
// methods are the provider-local identifiers (prefix already stripped by the
// Registry).
type Provider interface {
	// Name returns the provider identifier used as the chat-ID prefix
	// (e.g. "telegram", "discord").
	Name() string

	Capabilities() Capabilities

	// IsConnected reports whether the provider is actively receiving.
	IsConnected() bool

	// Start begins receiving and dispatches inbound activity to handlers.
	// Non-blocking after setup.
	Start(ctx context.Context, handlers bus.Handlers) error

	// Stop gracefully disconnects.
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text string, opts *bus.SendOptions) (bus.SendResult, error)
	SendDocument(ctx context.Context, chatID, path, caption string) error
	SendPhoto(ctx context.Context, chatID, path, caption string) error
	SendVoice(ctx context.Context, chatID, path string) error
	SendAudio(ctx context.Context, chatID, path string) error
	SendLocation(ctx context.Context, chatID string, latitude, longitude float64) error
	SendContact(ctx context.Context, chatID, phone, name string) error
	SendPoll(ctx context.Context, chatID, question string, options []string) error
	SendInlineKeyboard(ctx context.Context, chatID, text string, buttons [][]Button) error

	// EditMessage replaces the text of a previously sent message.
	EditMessage(ctx context.Context, chatID, messageID, text string) error

	// DeleteMessage removes a previously sent message.
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	// DownloadFile fetches an attachment by provider reference into destDir.
	// Returns the local path, or an error matching ErrTooLarge/ErrTransient.
	DownloadFile(ctx context.Context, providerRef, destDir, filename string) (string, error)

	// BotUsername returns the bot's own username, when known.
	BotUsername() string
}
