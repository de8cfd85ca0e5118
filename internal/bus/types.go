// Package bus defines the message types exchanged between providers and the
// host pipeline. Chat identifiers are provider-prefixed ("telegram:-100123",
// "discord:9876").
package bus

import "time"

// ChatType classifies the conversation an incoming message belongs to.
type ChatType string

const (
	ChatTypePrivate    ChatType = "private"
	ChatTypeDM         ChatType = "dm"
	ChatTypeGroup      ChatType = "group"
	ChatTypeSupergroup ChatType = "supergroup"
)

// Attachment describes a media item on an incoming message, by provider
// reference. The pipeline downloads it through the owning provider.
type Attachment struct {
	Type        string `json:"type"` // "photo", "voice", "audio", "video", "document"
	ProviderRef string `json:"provider_ref"`
	FileName    string `json:"file_name,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	// LocalPath is set by the pipeline after a successful download.
	LocalPath string `json:"local_path,omitempty"`
	// Transcript is set for voice attachments when transcription succeeds.
	Transcript string `json:"transcript,omitempty"`
}

// IncomingMessage is a message received from a provider.
type IncomingMessage struct {
	ChatID          string       `json:"chat_id"` // provider-prefixed
	MessageID       string       `json:"message_id"`
	SenderID        string       `json:"sender_id"`
	SenderName      string       `json:"sender_name"`
	Content         string       `json:"content"`
	Timestamp       time.Time    `json:"timestamp"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	IsGroup         bool         `json:"is_group"`
	ChatType        ChatType     `json:"chat_type"`
	ThreadID        int          `json:"thread_id,omitempty"`
	BotMentioned    bool         `json:"bot_mentioned,omitempty"`
	BotReplied      bool         `json:"bot_replied,omitempty"`
	RawProviderData any          `json:"-"`
}

// SendOptions carries optional parameters for an outbound text send.
type SendOptions struct {
	ThreadID  int
	ReplyToID string
	ParseMode string
}

// SendResult reports the outcome of an outbound send.
type SendResult struct {
	Success   bool
	MessageID string
}

// Handlers are the callbacks a provider invokes on inbound activity.
// Implemented by the message pipeline.
type Handlers struct {
	OnMessage     func(msg IncomingMessage)
	OnReaction    func(chatID, messageID, userID, emoji string)
	OnButtonClick func(chatID, senderID, senderName, label, data string, threadID int)
}
