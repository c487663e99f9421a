// Telegram webhook HTTP handler.
//
// This file exposes the single inbound endpoint of the relay:
//   - POST /webhook/telegram
//
// The handler is transport-thin: it authenticates the webhook, decodes and
// deduplicates the update, normalizes it (including attachment downloads),
// and hands the result to the relay pipeline. The platform expects a fast
// ACK, so the pipeline run and the reply delivery happen off the request
// goroutine; the HTTP response only reports acceptance.
package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/telegram"
)

// relayTimeout bounds the detached pipeline + reply-delivery run for one
// update after the webhook request itself has been acknowledged.
const relayTimeout = 2 * time.Minute

//
// Service contracts
//

// TelegramAdapter defines the platform operations the webhook handler needs.
//
// Implementations must be safe for concurrent use; the handler calls them
// from detached goroutines after the HTTP response is written.
type TelegramAdapter interface {
	// VerifyWebhook checks the inbound secret-token header value.
	VerifyWebhook(secret string) bool
	// ExtractMessage normalizes one decoded update.
	ExtractMessage(update tgbotapi.Update) telegram.Extraction
	// BuildAttachments downloads extracted files, dropping failures.
	BuildAttachments(ctx context.Context, infos []telegram.FileInfo, senderID string) []domain.Attachment
	// SendMessage delivers reply text to a chat, retrying per policy.
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// RelayPipeline is the message-processing capability consumed by the handler.
type RelayPipeline interface {
	Relay(ctx context.Context, msg domain.NormalizedMessage) domain.NormalizedResponse
}

// DedupeFunc reports whether (source, updateID) is seen for the first time.
// Errors mean the dedupe store is unavailable; the handler fails open.
type DedupeFunc func(ctx context.Context, source string, updateID int64) (bool, error)

//
// Handler wiring
//

// WebhookHandlers groups the webhook endpoints and their dependencies.
type WebhookHandlers struct {
	adapter  TelegramAdapter
	pipeline RelayPipeline
	dedupe   DedupeFunc
	chats    chatSerializer
}

// NewWebhook constructs WebhookHandlers. dedupe may be nil, in which case
// every delivery is treated as new.
func NewWebhook(adapter TelegramAdapter, pipeline RelayPipeline, dedupe DedupeFunc) *WebhookHandlers {
	return &WebhookHandlers{
		adapter:  adapter,
		pipeline: pipeline,
		dedupe:   dedupe,
		chats:    chatSerializer{queues: make(map[int64]*chatQueue)},
	}
}

// chatSerializer runs detached relay jobs for the same chat one at a time,
// in enqueue order. The history store serializes under its own mutex, but
// turn ordering within a session additionally requires that two rapid
// updates from one chat never run their AppendUser calls concurrently.
// Queues are dropped as soon as they drain, so idle chats hold no memory.
type chatSerializer struct {
	mu     sync.Mutex
	queues map[int64]*chatQueue
}

type chatQueue struct {
	jobs    []func()
	running bool
}

// run enqueues job for chatID and starts a drain goroutine when none is
// active for that chat. Jobs for distinct chats run concurrently.
func (s *chatSerializer) run(chatID int64, job func()) {
	s.mu.Lock()
	q := s.queues[chatID]
	if q == nil {
		q = &chatQueue{}
		s.queues[chatID] = q
	}
	q.jobs = append(q.jobs, job)
	if !q.running {
		q.running = true
		go s.drain(chatID, q)
	}
	s.mu.Unlock()
}

func (s *chatSerializer) drain(chatID int64, q *chatQueue) {
	for {
		s.mu.Lock()
		if len(q.jobs) == 0 {
			delete(s.queues, chatID)
			s.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		s.mu.Unlock()
		job()
	}
}

// TelegramWebhook handles POST /webhook/telegram.
//
// Flow:
//  1. Verify X-Telegram-Bot-Api-Secret-Token (constant-time) → 401 on mismatch.
//  2. Decode the update JSON → 400 on malformed body.
//  3. Skip redelivered update_ids within the dedupe window → 200 {"status":"duplicate"}.
//  4. Ignore updates with no text and no attachments → 200 {"status":"ignored"}.
//  5. Download attachments, build the normalized message, and run the relay
//     pipeline + reply delivery on a detached goroutine → 200 {"status":"accepted"}.
//
// The 200 ACK is intentionally unconditional past step 2: Telegram retries
// non-2xx deliveries, and a pipeline rejection (policy, upstream outage) must
// not trigger platform-level redelivery. Rejections reach the user as reply
// text and reach operators through the audit trail.
func (h *WebhookHandlers) TelegramWebhook(c *gin.Context) {
	lg := middleware.LoggerFrom(c)

	if !h.adapter.VerifyWebhook(c.GetHeader(telegram.SecretTokenHeader)) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable request body")
		return
	}
	update, err := telegram.DecodeUpdate(body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed update payload")
		return
	}

	ext := h.adapter.ExtractMessage(update)

	if h.dedupe != nil && ext.UpdateID != 0 {
		first, err := h.dedupe(c.Request.Context(), telegram.Source, int64(ext.UpdateID))
		if err != nil {
			// Dedupe is best-effort; an unavailable store must not drop traffic.
			lg.Warn().Err(err).Int("update_id", ext.UpdateID).Msg("update dedupe check failed")
		} else if !first {
			lg.Info().Int("update_id", ext.UpdateID).Msg("duplicate update skipped")
			ok(c, http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
	}

	if ext.Text == "" && len(ext.Files) == 0 {
		ok(c, http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	// Detach from the request before handing off: the parent context dies
	// as soon as the ACK is written, but trace linkage is kept. The chat
	// serializer keeps updates from one chat in arrival order so their
	// history appends never interleave; the timeout starts when the job
	// actually runs, not while it waits behind an earlier update.
	baseCtx := context.WithoutCancel(c.Request.Context())
	logger := *lg

	h.chats.run(ext.ChatID, func() {
		relayCtx, cancel := context.WithTimeout(baseCtx, relayTimeout)
		defer cancel()

		senderID := strconv.FormatInt(ext.ChatID, 10)
		attachments := h.adapter.BuildAttachments(relayCtx, ext.Files, senderID)

		msg := domain.NormalizedMessage{
			Source:   telegram.Source,
			Text:     ext.Text,
			SenderID: senderID,
			Metadata: map[string]any{
				"chat_id":   ext.ChatID,
				"update_id": ext.UpdateID,
			},
			Attachments: attachments,
		}

		resp := h.pipeline.Relay(relayCtx, msg)
		if resp.Text == "" {
			logger.Info().Int("status", resp.StatusCode).Msg("relay produced no reply text")
			return
		}
		if err := h.adapter.SendMessage(relayCtx, ext.ChatID, resp.Text); err != nil {
			logger.Error().Err(err).
				Int64("chat_id", ext.ChatID).
				Int("relay_status", resp.StatusCode).
				Msg("reply delivery failed")
		}
	})

	ok(c, http.StatusOK, gin.H{"status": "accepted"})
}
