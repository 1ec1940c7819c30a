// Package pipeline orchestrates the request trust path: rate limiting,
// token verification, trust-context resolution, and authorization run in
// that fixed order, plus delegation bookkeeping for agent-to-agent calls.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/ratelimit"
	"github.com/axisflow/trustplane/internal/rbac"
	"github.com/axisflow/trustplane/internal/trust"
)

// RateLimitedError reports a rejected admission with its retry hint.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.Result.RetryAfter)
}

// DelegationContext is the audit record of one agent-to-agent call.
// Immutable after creation; the call history only ever appends.
type DelegationContext struct {
	CallSessionID string         `json:"call_session_id"`
	TraceID       string         `json:"trace_id"`
	CallingAgent  string         `json:"calling_agent"`
	TargetAgent   string         `json:"target_agent"`
	HumanOrigin   map[string]any `json:"human_origin,omitempty"`
	Capabilities  []string       `json:"capabilities"`
	Constraints   map[string]any `json:"constraints"`
	DelegationID  string         `json:"delegation_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithOperations wires an external policy engine. Absent, the pipeline
// runs standalone with NopOperations.
func WithOperations(ops trust.Operations) Option {
	return func(p *Pipeline) {
		if ops != nil {
			p.ops = ops
		}
	}
}

// WithConstraintPolicy guards agent-to-agent calls with a compiled
// expression; a call the policy denies is rejected outright.
func WithConstraintPolicy(policy *ConstraintPolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithRequireDelegation makes a failed delegation creation fatal for
// PrepareCall instead of a logged degradation.
func WithRequireDelegation(require bool) Option {
	return func(p *Pipeline) { p.requireDelegation = require }
}

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pipeline runs the trust path for inbound requests and brokers
// agent-to-agent delegation.
type Pipeline struct {
	limiter   *ratelimit.Limiter
	verifier  *auth.Verifier
	extractor *trust.Extractor
	sessions  *trust.Store
	roles     *rbac.Graph

	ops               trust.Operations
	policy            *ConstraintPolicy
	requireDelegation bool
	logger            *slog.Logger

	mu      sync.Mutex
	history []*DelegationContext
}

// New assembles a pipeline from its five components.
func New(limiter *ratelimit.Limiter, verifier *auth.Verifier, extractor *trust.Extractor, sessions *trust.Store, roles *rbac.Graph, opts ...Option) *Pipeline {
	p := &Pipeline{
		limiter:   limiter,
		verifier:  verifier,
		extractor: extractor,
		sessions:  sessions,
		roles:     roles,
		ops:       NopOperations{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AdmitRequest carries one request through the trust path.
type AdmitRequest struct {
	// Identifier keys the rate limit window (user id, API key, or IP).
	Identifier string

	// Token is the bearer token to verify.
	Token string

	// Headers supplies the trust header set.
	Headers http.Header

	// RequiredPermission, when set, is enforced after verification.
	RequiredPermission string

	// RequiredRoles, when set, requires the principal to hold any one.
	RequiredRoles []string
}

// Admission is the result of a fully admitted request.
type Admission struct {
	Principal *auth.Principal
	Envelope  *trust.Envelope
	Session   *trust.Record
	RateLimit ratelimit.Result
}

// Admit runs the trust path in its fixed causal order: rate limit, then
// token verification, then trust-context resolution, then authorization.
// The first failing stage wins; later stages never run after a failure.
func (p *Pipeline) Admit(ctx context.Context, req AdmitRequest) (*Admission, context.Context, error) {
	rateResult, err := p.limiter.Allow(ctx, req.Identifier)
	if err != nil {
		return nil, ctx, err
	}
	if !rateResult.Allowed {
		return nil, ctx, &RateLimitedError{Result: rateResult}
	}

	if req.Token == "" {
		return nil, ctx, auth.ErrMissingToken
	}
	principal, err := p.verifier.Verify(ctx, req.Token)
	if err != nil {
		return nil, ctx, err
	}

	envelope := p.extractor.Extract(req.Headers)
	ctx = trust.WithEnvelope(ctx, envelope)

	var session *trust.Record
	if envelope.SessionID != "" {
		// An inactive or unknown session is simply absent, never an error.
		session = p.sessions.GetSession(envelope.SessionID)
		if session != nil {
			p.sessions.Touch(session.SessionID)
			ctx = trust.WithCurrentSession(ctx, session)
		}
	}

	if req.RequiredPermission != "" {
		if err := p.roles.RequirePermission(principal, req.RequiredPermission); err != nil {
			return nil, ctx, err
		}
	}
	if len(req.RequiredRoles) > 0 {
		if err := p.roles.RequireRole(principal, req.RequiredRoles...); err != nil {
			return nil, ctx, err
		}
	}

	return &Admission{
		Principal: principal,
		Envelope:  envelope,
		Session:   session,
		RateLimit: rateResult,
	}, ctx, nil
}

// PrepareCall builds the delegation context for an agent-to-agent tool
// call. All four identifiers must be non-empty and self-delegation is a
// hard error. A trace id from the inbound envelope is reused when present.
// Delegation creation through the policy engine is best-effort unless the
// pipeline requires delegation.
func (p *Pipeline) PrepareCall(ctx context.Context, callingAgent, targetAgent, tool, callSessionID string, trustContext *trust.Envelope) (*DelegationContext, error) {
	if strings.TrimSpace(callingAgent) == "" {
		return nil, fmt.Errorf("calling agent cannot be empty")
	}
	if strings.TrimSpace(targetAgent) == "" {
		return nil, fmt.Errorf("target agent cannot be empty")
	}
	if strings.TrimSpace(tool) == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if strings.TrimSpace(callSessionID) == "" {
		return nil, fmt.Errorf("call session id cannot be empty")
	}
	if callingAgent == targetAgent {
		return nil, fmt.Errorf("agent %q cannot delegate to itself", callingAgent)
	}

	traceID := ""
	constraints := map[string]any{}
	var humanOrigin map[string]any
	depth := 0
	if trustContext != nil {
		traceID = trustContext.TraceID
		humanOrigin = trustContext.HumanOrigin
		depth = trustContext.DelegationDepth
		if len(trustContext.Constraints) > 0 {
			constraints = trustContext.Constraints
		}
	}
	if traceID == "" {
		traceID = "trace-" + uuid.NewString()
	}

	allowed, err := p.policy.Allows(map[string]any{
		"calling_agent": callingAgent,
		"target_agent":  targetAgent,
		"tool":          tool,
		"depth":         depth,
	})
	if err != nil {
		// Evaluation failure is a degraded state, not a veto.
		p.logger.Warn("constraint policy evaluation failed",
			"trace_id", traceID, "error", err)
	} else if !allowed {
		return nil, fmt.Errorf("constraint policy denies %s -> %s for tool %q",
			callingAgent, targetAgent, tool)
	}

	delegationID, err := p.ops.CreateDelegation(ctx, callingAgent, targetAgent, []string{tool}, constraints)
	if err != nil {
		if p.requireDelegation {
			return nil, fmt.Errorf("create delegation: %w", err)
		}
		p.logger.Warn("failed to create delegation, proceeding without one",
			"calling_agent", callingAgent, "target_agent", targetAgent,
			"tool", tool, "error", err)
		delegationID = ""
	}

	dc := &DelegationContext{
		CallSessionID: callSessionID,
		TraceID:       traceID,
		CallingAgent:  callingAgent,
		TargetAgent:   targetAgent,
		HumanOrigin:   humanOrigin,
		Capabilities:  []string{tool},
		Constraints:   constraints,
		DelegationID:  delegationID,
		CreatedAt:     time.Now(),
	}

	p.mu.Lock()
	p.history = append(p.history, dc)
	p.mu.Unlock()

	p.logger.Debug("prepared agent call",
		"calling_agent", callingAgent, "target_agent", targetAgent,
		"tool", tool, "trace_id", traceID)
	return dc, nil
}

// VerifyResponse completes the audit trail for a finished call. An error
// field in the response is logged, the audit callback is best-effort, and
// any syntactically valid response verifies: content checking belongs to
// the caller.
func (p *Pipeline) VerifyResponse(ctx context.Context, dc *DelegationContext, response map[string]any) bool {
	_, hasError := response["error"]
	if hasError {
		p.logger.Warn("agent call response contains error",
			"trace_id", dc.TraceID, "calling_agent", dc.CallingAgent,
			"target_agent", dc.TargetAgent, "error", response["error"])
	}

	if err := p.ops.Audit(ctx, "agent_call_completed", map[string]any{
		"call_session_id": dc.CallSessionID,
		"trace_id":        dc.TraceID,
		"calling_agent":   dc.CallingAgent,
		"target_agent":    dc.TargetAgent,
		"delegation_id":   dc.DelegationID,
		"has_error":       hasError,
	}); err != nil {
		p.logger.Warn("failed to audit agent call response",
			"trace_id", dc.TraceID, "error", err)
	}

	return true
}

// CallHistory returns a snapshot of every delegation context prepared so
// far, safe to read concurrently with PrepareCall.
func (p *Pipeline) CallHistory() []*DelegationContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DelegationContext(nil), p.history...)
}
