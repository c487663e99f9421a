// Upstream content construction.
//
// History stores lightweight text summaries per attachment instead of base64
// blobs, bounding context growth across multi-turn sessions independently of
// attachment size. Only the current (last) turn carries the full multimodal
// payload, rebuilt here per request.
package relay

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// ContentPart is one block of a multimodal upstream message. Exactly one of
// the shape fields is set, selected by Type.
type ContentPart struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	File       *FileBlock  `json:"file,omitempty"`
}

// ImageURL is an embedded-image reference carrying a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// InputAudio is an embedded-audio reference with a base64 payload and a
// format tag derived from the mime subtype (e.g. "audio/ogg" → "ogg").
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// FileBlock is a generic file reference for kinds without a dedicated shape.
type FileBlock struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

// safeNameRE accepts plain file names only: word characters, spaces, dots,
// parentheses, and hyphens, capped at 64 runes. This is structural hygiene;
// a name that passes it still goes through the injection detector, since a
// crafted instruction can be written in plain letters and spaces.
var safeNameRE = regexp.MustCompile(`^[\w .()\-]{1,64}$`)

// attachmentSummary returns the concise bracketed summary stored in
// conversation history in place of the attachment payload. The file name is
// replaced by the attachment's kind label when it fails the structural
// whitelist or when flagged reports it as an injection, so a crafted file
// name can never smuggle instructions into future turns.
func attachmentSummary(a domain.Attachment, flagged func(string) bool) string {
	name := a.FileName
	if !safeNameRE.MatchString(name) || (flagged != nil && flagged(name)) {
		name = string(a.Kind)
	}
	return "[" + string(a.Kind) + ": " + name + "]"
}

// historyText builds the history-safe representation of the current turn:
// the cleaned text plus one summary per attachment, in extraction order.
func historyText(clean string, attachments []domain.Attachment, flagged func(string) bool) string {
	if len(attachments) == 0 {
		return clean
	}
	parts := make([]string, 0, len(attachments)+1)
	if clean != "" {
		parts = append(parts, clean)
	}
	for _, a := range attachments {
		parts = append(parts, attachmentSummary(a, flagged))
	}
	return strings.Join(parts, " ")
}

// buildContent assembles the upstream content for the current turn: a plain
// string when there are no attachments, otherwise an ordered part list —
// text first (when non-empty), then one block per attachment with the shape
// selected by attachment kind.
func buildContent(text string, attachments []domain.Attachment) any {
	if len(attachments) == 0 {
		return text
	}

	parts := make([]ContentPart, 0, len(attachments)+1)
	if text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: text})
	}

	for _, a := range attachments {
		encoded := base64.StdEncoding.EncodeToString(a.Data)

		switch a.Kind {
		case domain.AttachmentImage, domain.AttachmentSticker:
			parts = append(parts, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURL{URL: "data:" + a.MimeType + ";base64," + encoded},
			})
		case domain.AttachmentAudio, domain.AttachmentVoice:
			parts = append(parts, ContentPart{
				Type:       "input_audio",
				InputAudio: &InputAudio{Data: encoded, Format: mimeSubtype(a.MimeType)},
			})
		default: // document, video
			parts = append(parts, ContentPart{
				Type: "file",
				File: &FileBlock{
					Filename:    a.FileName,
					ContentType: a.MimeType,
					Data:        encoded,
				},
			})
		}
	}

	return parts
}

// mimeSubtype extracts the subtype from a mime string, stripping any
// parameters ("audio/ogg; codecs=opus" → "ogg").
func mimeSubtype(mime string) string {
	sub := mime
	if i := strings.LastIndex(sub, "/"); i >= 0 {
		sub = sub[i+1:]
	}
	if i := strings.Index(sub, ";"); i >= 0 {
		sub = sub[:i]
	}
	return strings.TrimSpace(sub)
}
