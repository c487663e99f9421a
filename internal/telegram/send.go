// Reply delivery with retry.
//
// Sending a reply is an idempotent-intent POST; only rate limiting (429) and
// server errors (5xx) are worth retrying. Other 4xx responses are permanent
// for the same payload and end the send immediately.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// maxSendRetries caps retries per send (4 attempts total).
	maxSendRetries = 3
	// backoffCap bounds any single inter-attempt delay.
	backoffCap = 30 * time.Second
)

var sendRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "telegram_send_retries_total",
		Help: "Retried sendMessage attempts after a 429 or 5xx response.",
	},
)

func init() {
	prometheus.MustRegister(sendRetries)
}

// SendMessage delivers text to chatID via the bot API. Retries follow the
// 429/5xx policy with exponential backoff capped at 30s per delay; the
// backoff sleep aborts as soon as ctx is cancelled, so no attempt outlives
// the caller. Delivery failure is returned as an error for the caller to
// report — it is never escalated to a panic.
func (r *Relay) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode sendMessage payload: %w", err)
	}
	sendURL := fmt.Sprintf("%s/bot%s/sendMessage", r.apiBase, r.token)

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sendURL, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build sendMessage request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("sendMessage: %w", err)
		}
		status := resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if status < http.StatusBadRequest {
			return nil
		}
		if !retryableStatus(status) {
			return fmt.Errorf("sendMessage rejected with status %d", status)
		}
		if attempt >= maxSendRetries {
			return fmt.Errorf("sendMessage failed with status %d after %d attempts", status, attempt+1)
		}

		sendRetries.Inc()
		r.logger.Warn().
			Int("status", status).
			Int("attempt", attempt+1).
			Msg("sendMessage retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff(attempt)):
		}
	}
}

// retryableStatus reports whether a send should be retried: rate limiting or
// server-side failure only.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// backoffDelay is the delay before retrying after failed attempt n
// (0-indexed): min(2^n, 30) seconds.
func backoffDelay(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
