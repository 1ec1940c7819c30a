package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/axisflow/trustplane/internal/auth"
	"github.com/axisflow/trustplane/internal/middleware"
	"github.com/axisflow/trustplane/internal/pipeline"
	"github.com/axisflow/trustplane/internal/rbac"
	"github.com/axisflow/trustplane/internal/trust"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// HandleWhoAmI handles GET /whoami — the authenticated caller's
// identity as the gateway resolved it.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := middleware.PrincipalFrom(r.Context())
		if principal == nil {
			writeError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"subject":      principal.Subject,
			"email":        principal.Email,
			"display_name": principal.DisplayName(),
			"roles":        principal.Roles,
			"permissions":  principal.Permissions,
			"tenant_id":    principal.TenantID,
			"provider":     principal.Provider,
		})
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// HandleRefresh handles POST /auth/refresh: exchanges a valid refresh
// token for a fresh access/refresh pair. Refresh tokens are single-shape;
// access tokens are rejected here just as refresh tokens are rejected on
// API routes.
func HandleRefresh(issuer *auth.Issuer, verifier *auth.Verifier, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
			writeError(w, http.StatusBadRequest, "refresh_token is required")
			return
		}

		claims, err := verifier.VerifyRefreshToken(r.Context(), req.RefreshToken)
		if err != nil {
			logger.Debug("refresh token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "Invalid refresh token")
			return
		}

		accessToken, err := issuer.IssueAccessToken(auth.AccessClaims{
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
		})
		if err != nil {
			logger.Error("access token issuance failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Token issuance failed")
			return
		}

		// Rotate the refresh token on every exchange.
		refreshToken, err := issuer.IssueRefreshToken(claims.Subject, claims.TenantID, 0)
		if err != nil {
			logger.Error("refresh token issuance failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Token issuance failed")
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			TokenType:    "bearer",
			ExpiresIn:    int(auth.DefaultAccessTokenTTL / time.Second),
		})
	}
}

// HandleRBACStats handles GET /admin/rbac/stats.
func HandleRBACStats(graph *rbac.Graph) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, graph.Stats())
	}
}

// sessionView is the JSON shape of a session record in API responses.
type sessionView struct {
	SessionID       string         `json:"session_id"`
	AgentID         string         `json:"agent_id"`
	HumanOrigin     map[string]any `json:"human_origin,omitempty"`
	DelegationChain []string       `json:"delegation_chain"`
	WorkflowCount   int            `json:"workflow_count"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	LastActivity    time.Time      `json:"last_activity"`
}

func viewOf(record *trust.Record) sessionView {
	return sessionView{
		SessionID:       record.SessionID,
		AgentID:         record.AgentID,
		HumanOrigin:     record.HumanOrigin,
		DelegationChain: record.DelegationChain,
		WorkflowCount:   record.WorkflowCount,
		CreatedAt:       record.CreatedAt,
		ExpiresAt:       record.ExpiresAt,
		LastActivity:    record.LastActivity,
	}
}

// HandleSessionList handles GET /sessions — active sessions only.
func HandleSessionList(sessions *trust.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := sessions.ListActive()
		views := make([]sessionView, 0, len(active))
		for _, record := range active {
			views = append(views, viewOf(record))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": views,
			"count":    len(views),
		})
	}
}

type revokeRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason"`
}

// HandleSessionRevoke handles POST /sessions/revoke. Exactly one of
// session_id (revoke a single session) or user_id (revoke every session
// the human originated) must be given.
func HandleSessionRevoke(sessions *trust.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req revokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		principal := middleware.PrincipalFrom(r.Context())
		actor := ""
		if principal != nil {
			actor = principal.Subject
		}

		switch {
		case req.SessionID != "" && req.UserID != "":
			writeError(w, http.StatusBadRequest, "session_id and user_id are mutually exclusive")
		case req.SessionID != "":
			reason := req.Reason
			if reason == "" {
				reason = "revoked by " + actor
			}
			revoked := sessions.RevokeSession(req.SessionID, reason)
			logger.Info("session revocation requested",
				"session_id", req.SessionID, "revoked", revoked, "actor", actor)
			writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
		case req.UserID != "":
			count := sessions.RevokeByHuman(req.UserID)
			logger.Info("human session revocation requested",
				"user_id", req.UserID, "count", count, "actor", actor)
			writeJSON(w, http.StatusOK, map[string]any{"revoked_count": count})
		default:
			writeError(w, http.StatusBadRequest, "session_id or user_id is required")
		}
	}
}

type prepareRequest struct {
	CallingAgent  string `json:"calling_agent"`
	TargetAgent   string `json:"target_agent"`
	Tool          string `json:"tool"`
	CallSessionID string `json:"call_session_id"`
}

// HandleA2APrepare handles POST /a2a/prepare: mints the delegation context
// for an outbound agent-to-agent call, carrying over the caller's trust
// envelope when one arrived on the request.
func HandleA2APrepare(p *pipeline.Pipeline, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req prepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.CallingAgent == "" || req.TargetAgent == "" || req.Tool == "" || req.CallSessionID == "" {
			writeError(w, http.StatusBadRequest, "calling_agent, target_agent, tool, and call_session_id are required")
			return
		}

		envelope := trust.EnvelopeFrom(r.Context())
		dc, err := p.PrepareCall(r.Context(), req.CallingAgent, req.TargetAgent, req.Tool, req.CallSessionID, envelope)
		if err != nil {
			var rle *pipeline.RateLimitedError
			if errors.As(err, &rle) {
				writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			logger.Debug("call preparation rejected", "error", err)
			writeError(w, http.StatusForbidden, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, dc)
	}
}

type verifyRequest struct {
	Delegation *pipeline.DelegationContext `json:"delegation"`
	Response   map[string]any              `json:"response"`
}

// HandleA2AVerify handles POST /a2a/verify: audits a completed
// agent-to-agent call's response against its delegation context.
func HandleA2AVerify(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Delegation == nil {
			writeError(w, http.StatusBadRequest, "delegation is required")
			return
		}

		ok := p.VerifyResponse(r.Context(), req.Delegation, req.Response)
		writeJSON(w, http.StatusOK, map[string]any{"verified": ok})
	}
}

// HandleA2AHistory handles GET /a2a/history.
func HandleA2AHistory(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history := p.CallHistory()
		writeJSON(w, http.StatusOK, map[string]any{
			"calls": history,
			"count": len(history),
		})
	}
}
