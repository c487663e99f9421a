// Package domain defines the core value types exchanged between the platform
// adapter, the relay pipeline, and the conversation history store, plus the
// persistence models used by GORM for the audit trail and webhook dedupe.
// These types are shared across the adapter, relay, and repository layers.
package domain

// AttachmentKind enumerates the file attachment categories the platform
// adapter can produce. The set is closed; the relay pipeline switches on it
// when building multimodal upstream content.
type AttachmentKind string

// Supported attachment kinds.
const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVoice    AttachmentKind = "voice"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentSticker  AttachmentKind = "sticker"
)

// Attachment is a downloaded file from an inbound platform message. Data
// holds the raw bytes for the duration of one pipeline invocation only;
// history retains a short text summary instead.
type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	MimeType string
	FileName string
	Size     int64
	Data     []byte
}

// NormalizedMessage is the channel-agnostic inbound message the relay
// pipeline processes. It is constructed once per webhook update and is not
// mutated after construction.
type NormalizedMessage struct {
	// Source tags the originating channel (e.g. "telegram") and namespaces
	// the conversation session key.
	Source string
	// Text is the display text of the message (may be empty for file-only
	// messages).
	Text string
	// SenderID identifies the sender within the source channel.
	SenderID string
	// Metadata carries open key/value context (e.g. chat_id, skill_name).
	Metadata map[string]any
	// Attachments lists successfully downloaded files in extraction order.
	Attachments []Attachment
}

// NormalizedResponse is the terminal artifact of one pipeline invocation.
// StatusCode is an HTTP-style semantic signal; it is not necessarily
// transported over HTTP.
type NormalizedResponse struct {
	Text       string
	StatusCode int
}

// Chat roles stored in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is the atomic unit of conversation history: one message exchange
// half (role + text content).
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
