// Package relay implements the webhook relay pipeline: a fixed, ordered,
// short-circuiting sequence of checks and transformations that turns one
// normalized inbound message into a normalized response, consulting the
// conversation history store to give the stateless upstream completion API
// multi-turn context.
//
// This file defines the capability contracts the pipeline consumes. Each
// collaborator is a single-method interface so that every one of them is
// substitutable with a test double, and the optional ones (governance,
// quarantine, audit, response scanning) are independently nil-able fields on
// the Pipeline: presence is checked once per stage rather than branching on
// concrete types.
package relay

import (
	"context"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// SanitizeResult is the tagged outcome of sanitizing inbound text. Injection
// detection is a result variant, not an error: the pipeline's stage dispatch
// is a plain conditional on InjectionDetected.
type SanitizeResult struct {
	// Clean is the sanitized text to continue the pipeline with.
	Clean string
	// InjectionDetected reports a prompt-injection finding; Clean is not
	// meaningful when set.
	InjectionDetected bool
	// Patterns identifies the matched injection patterns, when detected.
	Patterns []string
}

// Sanitizer detects prompt-injection attempts in inbound text and returns a
// cleaned form. Implementations must be safe for concurrent use.
type Sanitizer interface {
	Sanitize(text string) SanitizeResult
}

// ResponseScanner checks upstream-generated text for indirect-injection
// patterns (malicious instructions embedded in model output rather than user
// input). It returns the matched pattern identifiers, empty when clean.
type ResponseScanner interface {
	Scan(text string) []string
}

// Decision is a governance evaluation verdict.
type Decision string

// Governance decisions.
const (
	DecisionAllow           Decision = "ALLOW"
	DecisionBlock           Decision = "BLOCK"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// GovernanceResult carries the policy verdict for one evaluation, plus the
// identifiers minted for approval workflows.
type GovernanceResult struct {
	Decision   Decision
	ApprovalID string
	PlanID     string
	Token      string
}

// Governance evaluates a prospective upstream request (cleaned text, calling
// identity, and attachment metadata only — never payload bytes) against
// policy.
type Governance interface {
	Evaluate(ctx context.Context, body CompletionRequest, identity string) GovernanceResult
}

// Quarantine reports whether a named skill is quarantined and must not be
// invoked.
type Quarantine interface {
	IsQuarantined(skillName string) bool
}

// Audit records security-relevant events. Log is fire-and-forget: it must
// not block the pipeline and has no failure mode visible to callers.
type Audit interface {
	Log(event domain.AuditEvent)
}

// Message is one turn submitted to the upstream completion API. Content is
// either a plain string or an ordered []ContentPart for multimodal turns.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// CompletionRequest is the upstream chat-completion request body.
type CompletionRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Completer forwards a completion request to the upstream API. It returns
// the upstream's semantic response, or an error for transport-level failures
// (connect error, timeout) which the pipeline converts to a 502 response.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (domain.NormalizedResponse, error)
}
