// Package upstream implements the chat-completion client the relay pipeline
// forwards to. The upstream API is OpenAI-compatible: the request carries
// {model, messages, metadata} and the reply text lives at
// choices[0].message.content.
//
// The client deliberately stays on the raw transport instead of an SDK: the
// pipeline needs the upstream's exact status code as a semantic signal and
// must fall back to the raw response body when the completion shape is
// absent, both of which SDK clients abstract away.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/relay"
)

// defaultTimeout bounds one completion round trip.
const defaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the upstream root; /v1/chat/completions is appended.
	BaseURL string
	// Token is sent as a bearer credential.
	Token string
	// Timeout overrides the default 30s round-trip bound when positive.
	Timeout time.Duration
}

// Client forwards completion requests upstream. It implements
// relay.Completer and is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

// completionResponse mirrors the subset of the upstream reply the relay
// consumes. Content is a pointer so an absent field is distinguishable from
// an empty reply.
type completionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete submits req and returns the upstream's semantic response. The
// returned status code is the upstream's own; transport failures (connect
// error, timeout) surface as an error for the pipeline to translate.
func (c *Client) Complete(ctx context.Context, req relay.CompletionRequest) (domain.NormalizedResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("upstream completion: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NormalizedResponse{}, fmt.Errorf("read completion response: %w", err)
	}

	return domain.NormalizedResponse{
		Text:       extractText(raw),
		StatusCode: resp.StatusCode,
	}, nil
}

// extractText pulls choices[0].message.content from raw, falling back to the
// raw body text whenever the expected shape is absent.
func extractText(raw []byte) string {
	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err == nil &&
		len(parsed.Choices) > 0 && parsed.Choices[0].Message.Content != nil {
		return *parsed.Choices[0].Message.Content
	}
	return string(raw)
}
