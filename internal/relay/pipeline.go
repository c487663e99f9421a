// Pipeline orchestration.
//
// The relay runs its stages as direct function calls over one normalized
// message — no self-requests, no queue. Every stage either short-circuits
// with a terminal response or hands the (possibly transformed) message to
// the next stage. User-visible failures always take the shape of a
// NormalizedResponse with a status code and short text; no error escapes to
// the channel adapter boundary.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/history"
)

// MaxBodyBytes caps one inbound message: UTF-8 text bytes plus the
// base64-encoded size of every attachment. The encoded size is what is
// actually submitted upstream (raw bytes never leave the process), so a raw
// payload of roughly 7.5 MiB already trips the 10 MiB gate.
const MaxBodyBytes = 10 * 1024 * 1024

// defaultModel is the upstream model tag used when none is configured.
const defaultModel = "default"

var (
	// relayOutcomes counts pipeline terminations by stage and status code.
	relayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pipeline_outcomes_total",
			Help: "Relay pipeline terminal outcomes by stage and status code.",
		},
		[]string{"stage", "status"},
	)

	// relayUpstreamFailures counts transport-level upstream failures.
	relayUpstreamFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_failures_total",
			Help: "Upstream completion requests that failed at transport level.",
		},
	)
)

func init() {
	prometheus.MustRegister(relayOutcomes, relayUpstreamFailures)
}

// Pipeline relays one normalized inbound message to the upstream completion
// API through a fixed stage sequence. Upstream is required; History and the
// security collaborators are optional — a nil field skips its stage
// (sanitizer absent means the text passes through unchanged; the embedding
// deployment injects the real implementation).
//
// The Pipeline holds no per-invocation state and is safe for concurrent use
// as long as its collaborators are.
type Pipeline struct {
	Upstream  Completer
	Sanitizer Sanitizer
	History   *history.Store

	Governance Governance
	Quarantine Quarantine
	Scanner    ResponseScanner
	Audit      Audit

	// Model overrides the upstream model tag; empty means "default".
	Model string
}

// Relay runs the full pipeline for msg and always returns a normalized
// response. The caller owns reply delivery back to the originating chat.
func (p *Pipeline) Relay(ctx context.Context, msg domain.NormalizedMessage) domain.NormalizedResponse {
	tr := otel.Tracer("relay/Pipeline")
	ctx, span := tr.Start(ctx, "Relay",
		trace.WithAttributes(
			attribute.String("message.source", msg.Source),
			attribute.String("message.sender_id", msg.SenderID),
			attribute.Int("message.attachments", len(msg.Attachments)),
		),
	)
	defer span.End()

	// Stage 1: size gate. Text bytes plus encoded attachment bytes; nothing
	// else runs for oversized messages.
	if bodySize(msg) > MaxBodyBytes {
		return p.terminal("size_gate", domain.NormalizedResponse{
			Text:       "Request body too large",
			StatusCode: http.StatusRequestEntityTooLarge,
		})
	}

	// Stage 2: sanitize text. Attachment payload bytes deliberately bypass
	// the text sanitizer; the response scan is the safety net for content
	// that round-trips through the upstream model.
	clean := msg.Text
	if p.Sanitizer != nil {
		res := p.Sanitizer.Sanitize(msg.Text)
		if res.InjectionDetected {
			return p.terminal("sanitize", domain.NormalizedResponse{
				Text:       "Request rejected due to policy violation",
				StatusCode: http.StatusBadRequest,
			})
		}
		clean = res.Clean
	}

	// Stage 3: governance evaluation over cleaned text, identity, and
	// attachment metadata (never payload bytes).
	if p.Governance != nil {
		if resp, terminal := p.evaluateGovernance(ctx, msg, clean); terminal {
			return p.terminal("governance", resp)
		}
	}

	// Stage 4: quarantine check on the targeted skill, when one is named.
	if p.Quarantine != nil {
		if skill, _ := msg.Metadata["skill_name"].(string); skill != "" && p.Quarantine.IsQuarantined(skill) {
			return p.terminal("quarantine", domain.NormalizedResponse{
				Text:       fmt.Sprintf("Skill %q is quarantined", skill),
				StatusCode: http.StatusForbidden,
			})
		}
	}

	// Stage 5: build context and forward. The session key is namespaced by
	// source so identical sender ids on different channels stay disjoint.
	sessionKey := msg.Source + ":" + msg.SenderID
	summary := historyText(clean, msg.Attachments, p.nameFlagged)

	var turns []domain.ChatTurn
	if p.History != nil {
		p.History.AppendUser(sessionKey, summary)
		turns = p.History.Get(sessionKey)
	} else {
		turns = []domain.ChatTurn{{Role: domain.RoleUser, Content: summary}}
	}

	// Prior turns stay as stored text; only the current (last) turn carries
	// the full multimodal content.
	messages := make([]Message, len(turns))
	for i, t := range turns {
		messages[i] = Message{Role: t.Role, Content: t.Content}
	}
	messages[len(messages)-1] = Message{
		Role:    domain.RoleUser,
		Content: buildContent(clean, msg.Attachments),
	}

	resp, err := p.Upstream.Complete(ctx, CompletionRequest{
		Model:    p.model(),
		Messages: messages,
		Metadata: p.requestMetadata(msg),
	})
	if err != nil {
		relayUpstreamFailures.Inc()
		log.Warn().Err(err).
			Str("source", msg.Source).
			Str("sender_id", msg.SenderID).
			Msg("upstream completion unreachable")
		resp = domain.NormalizedResponse{
			Text:       "Upstream unavailable",
			StatusCode: http.StatusBadGateway,
		}
	}

	// Stage 6: post-processing. The assistant turn enters history only after
	// a successful upstream call, so it can never leak into its own request.
	if p.History != nil && resp.StatusCode == http.StatusOK {
		p.History.AppendAssistant(sessionKey, resp.Text)
	}

	if p.Scanner != nil {
		if findings := p.Scanner.Scan(resp.Text); len(findings) > 0 {
			// Advisory only: the finding is audited at high risk but the
			// response returned to the caller is unchanged.
			p.audit(domain.AuditEvent{
				Type:      domain.AuditIndirectInjection,
				Action:    "webhook_response_scan",
				Result:    "detected",
				RiskLevel: domain.RiskHigh,
				Details: map[string]any{
					"source":   msg.Source,
					"patterns": findings,
				},
			})
		}
	}

	result := "error"
	if resp.StatusCode == http.StatusOK {
		result = "success"
	}
	p.audit(domain.AuditEvent{
		Type:      domain.AuditWebhookRelay,
		Action:    "relay",
		Result:    result,
		RiskLevel: domain.RiskInfo,
		Details: map[string]any{
			"source":           msg.Source,
			"sender_id":        msg.SenderID,
			"upstream_status":  resp.StatusCode,
			"attachment_count": len(msg.Attachments),
		},
	})

	return p.terminal("upstream", resp)
}

// evaluateGovernance runs the governance stage. The returned bool reports a
// terminal (BLOCK / REQUIRE_APPROVAL) outcome.
func (p *Pipeline) evaluateGovernance(ctx context.Context, msg domain.NormalizedMessage, clean string) (domain.NormalizedResponse, bool) {
	meta := p.requestMetadata(msg)
	attachmentMeta := make([]map[string]any, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachmentMeta = append(attachmentMeta, map[string]any{
			"type":      string(a.Kind),
			"mime_type": a.MimeType,
			"file_name": a.FileName,
			"file_size": a.Size,
		})
	}
	meta["attachments"] = attachmentMeta

	result := p.Governance.Evaluate(ctx, CompletionRequest{
		Model:    p.model(),
		Messages: []Message{{Role: domain.RoleUser, Content: clean}},
		Metadata: meta,
	}, msg.SenderID)

	p.audit(domain.AuditEvent{
		Type:      domain.AuditWebhookRelay,
		Action:    "governance_eval",
		Result:    string(result.Decision),
		RiskLevel: domain.RiskInfo,
		Details: map[string]any{
			"source":    msg.Source,
			"sender_id": msg.SenderID,
			"decision":  string(result.Decision),
		},
	})

	switch result.Decision {
	case DecisionBlock:
		return domain.NormalizedResponse{
			Text:       "Blocked by governance policy",
			StatusCode: http.StatusForbidden,
		}, true
	case DecisionRequireApproval:
		return domain.NormalizedResponse{
			Text:       fmt.Sprintf("Approval required (ID: %s)", result.ApprovalID),
			StatusCode: http.StatusAccepted,
		}, true
	default:
		return domain.NormalizedResponse{}, false
	}
}

// requestMetadata merges the message's open metadata over the source tag,
// matching what the upstream contract expects.
func (p *Pipeline) requestMetadata(msg domain.NormalizedMessage) map[string]any {
	meta := make(map[string]any, len(msg.Metadata)+1)
	meta["source"] = msg.Source
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	return meta
}

// nameFlagged runs an attachment file name through the same injection
// detector as message text. A message-level injection verdict rejects the
// whole request in stage 2; here the verdict only downgrades the stored name
// to the kind label. Without a sanitizer nothing is flagged and the
// structural whitelist in attachmentSummary is the only guard.
func (p *Pipeline) nameFlagged(name string) bool {
	if p.Sanitizer == nil {
		return false
	}
	return p.Sanitizer.Sanitize(name).InjectionDetected
}

// audit emits an event to the audit sink when one is configured.
func (p *Pipeline) audit(event domain.AuditEvent) {
	if p.Audit != nil {
		p.Audit.Log(event)
	}
}

func (p *Pipeline) model() string {
	if p.Model != "" {
		return p.Model
	}
	return defaultModel
}

// terminal records the pipeline outcome metric and returns resp unchanged.
func (p *Pipeline) terminal(stage string, resp domain.NormalizedResponse) domain.NormalizedResponse {
	relayOutcomes.WithLabelValues(stage, strconv.Itoa(resp.StatusCode)).Inc()
	return resp
}

// bodySize is the gate measurement: UTF-8 text bytes plus the base64-encoded
// length of every attachment payload.
func bodySize(msg domain.NormalizedMessage) int {
	total := len(msg.Text)
	for _, a := range msg.Attachments {
		total += base64.StdEncoding.EncodedLen(len(a.Data))
	}
	return total
}
