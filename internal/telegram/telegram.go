// Package telegram implements the platform adapter for Telegram Bot API
// webhooks: authenticity verification, update extraction into normalized
// form, capped attachment download, and reply delivery with retry.
//
// All outbound URLs are built from the fixed api.telegram.org host plus the
// bot credential and platform-returned paths — never from untrusted input —
// and every call rides a certificate-verified transport.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/relay"
)

const (
	// SecretTokenHeader carries the webhook secret on inbound requests.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

	// apiHost is the only host the adapter ever talks to.
	apiHost = "https://api.telegram.org"

	// Source is the channel tag stamped on normalized messages.
	Source = "telegram"
)

// Relay is the Telegram-specific platform adapter. Construct it with New.
//
// Audit, when set, receives an event per successful attachment download. The
// adapter shares no mutable state with the pipeline; everything crosses the
// boundary by value.
type Relay struct {
	token      string
	secretHash string
	apiBase    string
	client     *http.Client
	logger     zerolog.Logger

	// backoff is a seam so retry tests run without real sleeps.
	backoff func(attempt int) time.Duration

	Audit relay.Audit
}

// New constructs a Relay for the given bot token. The webhook secret is the
// hex SHA-256 digest of the token, matching what the bot registers with
// Telegram's setWebhook secret_token parameter.
func New(botToken string) *Relay {
	digest := sha256.Sum256([]byte(botToken))
	return &Relay{
		token:      botToken,
		secretHash: hex.EncodeToString(digest[:]),
		apiBase:    apiHost,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     log.With().Str("component", "telegram").Logger(),
		backoff:    backoffDelay,
	}
}

// VerifyWebhook reports whether the inbound secret-token header value
// matches the derived webhook secret. The comparison is constant-time so
// timing cannot leak the secret; a missing or empty header always rejects.
func (r *Relay) VerifyWebhook(secret string) bool {
	if secret == "" {
		return false
	}
	return hmac.Equal([]byte(secret), []byte(r.secretHash))
}

// DecodeUpdate parses a raw webhook body into a Telegram update.
func DecodeUpdate(body []byte) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	err := json.Unmarshal(body, &update)
	return update, err
}

// FileInfo is the downloadable-attachment metadata extracted from an update,
// before any bytes are fetched.
type FileInfo struct {
	FileID   string
	Kind     domain.AttachmentKind
	MimeType string
	FileName string
	Size     int64
}

// Extraction is the normalized result of reading one Telegram update.
type Extraction struct {
	UpdateID int
	Text     string
	ChatID   int64
	Files    []FileInfo
}

// ExtractMessage reads update id, display text, chat id, and attachment
// metadata from a Telegram update. Edited messages are treated identically
// to new ones; text falls back to the caption (captions accompany file-only
// messages); a missing chat yields chat id 0.
func (r *Relay) ExtractMessage(update tgbotapi.Update) Extraction {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil {
		return Extraction{UpdateID: update.UpdateID}
	}

	var chatID int64
	if msg.Chat != nil {
		chatID = msg.Chat.ID
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	return Extraction{
		UpdateID: update.UpdateID,
		Text:     text,
		ChatID:   chatID,
		Files:    extractFileInfos(msg),
	}
}

// extractFileInfos scans the message for each attachment kind, at most one
// per kind. Telegram omits mime type and file name for several kinds, so
// per-kind defaults fill the gaps; photos arrive as an ordered list of
// resolution variants and the largest (last) one is selected with a
// synthetic jpeg identity.
func extractFileInfos(msg *tgbotapi.Message) []FileInfo {
	var infos []FileInfo

	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		infos = append(infos, FileInfo{
			FileID:   photo.FileID,
			Kind:     domain.AttachmentImage,
			MimeType: "image/jpeg",
			FileName: "photo.jpg",
			Size:     int64(photo.FileSize),
		})
	}

	if doc := msg.Document; doc != nil {
		infos = append(infos, FileInfo{
			FileID:   doc.FileID,
			Kind:     domain.AttachmentDocument,
			MimeType: orDefault(doc.MimeType, "application/octet-stream"),
			FileName: orDefault(doc.FileName, "document"),
			Size:     int64(doc.FileSize),
		})
	}

	if audio := msg.Audio; audio != nil {
		infos = append(infos, FileInfo{
			FileID:   audio.FileID,
			Kind:     domain.AttachmentAudio,
			MimeType: orDefault(audio.MimeType, "audio/mpeg"),
			FileName: orDefault(audio.FileName, "audio.mp3"),
			Size:     int64(audio.FileSize),
		})
	}

	if voice := msg.Voice; voice != nil {
		infos = append(infos, FileInfo{
			FileID:   voice.FileID,
			Kind:     domain.AttachmentVoice,
			MimeType: orDefault(voice.MimeType, "audio/ogg"),
			FileName: "voice.ogg",
			Size:     int64(voice.FileSize),
		})
	}

	if video := msg.Video; video != nil {
		infos = append(infos, FileInfo{
			FileID:   video.FileID,
			Kind:     domain.AttachmentVideo,
			MimeType: orDefault(video.MimeType, "video/mp4"),
			FileName: orDefault(video.FileName, "video.mp4"),
			Size:     int64(video.FileSize),
		})
	}

	if sticker := msg.Sticker; sticker != nil {
		infos = append(infos, FileInfo{
			FileID:   sticker.FileID,
			Kind:     domain.AttachmentSticker,
			MimeType: "image/webp",
			FileName: "sticker.webp",
			Size:     int64(sticker.FileSize),
		})
	}

	return infos
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
