package trust

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axisflow/trustplane/internal/config"
)

// sessionIDPrefix makes session ids recognizable in logs and headers.
const sessionIDPrefix = "sts-"

// Operations is the optional external policy-engine collaborator. The
// store and pipeline work standalone with NopOperations when none is
// configured.
type Operations interface {
	// Verify checks whether an agent may perform an action on a resource.
	Verify(ctx context.Context, agentID, action, resource string) error

	// CreateDelegation registers an agent-to-agent delegation and returns
	// its id.
	CreateDelegation(ctx context.Context, fromAgent, toAgent string, capabilities []string, constraints map[string]any) (string, error)

	// Audit records an audit event for a completed call.
	Audit(ctx context.Context, event string, fields map[string]any) error
}

// Record is one session's trust state. Mutation happens only through Store
// methods, which serialize on the store lock; values handed out by the
// store are copies.
type Record struct {
	SessionID        string
	HumanOrigin      map[string]any
	AgentID          string
	DelegationChain  []string
	Constraints      map[string]any
	CreatedAt        time.Time
	ExpiresAt        *time.Time
	WorkflowCount    int
	LastActivity     time.Time
	Revoked          bool
	RevocationReason string
}

// Expired reports whether the record's expiry has passed. A nil ExpiresAt
// never expires.
func (r *Record) Expired() bool {
	return r.ExpiresAt != nil && time.Now().After(*r.ExpiresAt)
}

// Active reports whether the record is usable: not revoked and not
// expired. Every trust decision goes through this; there is no other
// path that treats a revoked or expired record as live.
func (r *Record) Active() bool {
	return !r.Revoked && !r.Expired()
}

func (r *Record) clone() *Record {
	out := *r
	if r.HumanOrigin != nil {
		out.HumanOrigin = make(map[string]any, len(r.HumanOrigin))
		for k, v := range r.HumanOrigin {
			out.HumanOrigin[k] = v
		}
	}
	if r.Constraints != nil {
		out.Constraints = make(map[string]any, len(r.Constraints))
		for k, v := range r.Constraints {
			out.Constraints[k] = v
		}
	}
	out.DelegationChain = append([]string(nil), r.DelegationChain...)
	if r.ExpiresAt != nil {
		expiry := *r.ExpiresAt
		out.ExpiresAt = &expiry
	}
	return &out
}

// Store holds session trust records in memory. One store-wide mutex guards
// the map and every read-then-mutate sequence; expiry is observed lazily
// and reclaimed by CleanupExpired.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Record
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewStore creates a session trust store. A zero TTL is legal and yields
// immediately-expired sessions (exercises fail-closed paths in tests).
func NewStore(cfg config.SessionConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:   make(map[string]*Record),
		defaultTTL: cfg.DefaultTTL,
		logger:     logger,
	}
}

// CreateSession mints a new session record and stores it. The returned
// value is a copy.
func (s *Store) CreateSession(humanOrigin map[string]any, agentID string, constraints map[string]any) *Record {
	return s.create(humanOrigin, agentID, nil, constraints)
}

// FromEnvelope creates a session seeded from an inbound trust envelope:
// human origin, agent id, delegation chain, and constraints carry over.
func (s *Store) FromEnvelope(env *Envelope) *Record {
	return s.create(env.HumanOrigin, env.AgentID, env.DelegationChain, env.Constraints)
}

func (s *Store) create(humanOrigin map[string]any, agentID string, chain []string, constraints map[string]any) *Record {
	now := time.Now()
	expiry := now.Add(s.defaultTTL)
	if constraints == nil {
		constraints = map[string]any{}
	}
	record := &Record{
		SessionID:       sessionIDPrefix + uuid.NewString(),
		HumanOrigin:     humanOrigin,
		AgentID:         agentID,
		DelegationChain: append([]string{}, chain...),
		Constraints:     constraints,
		CreatedAt:       now,
		ExpiresAt:       &expiry,
		LastActivity:    now,
	}

	s.mu.Lock()
	s.sessions[record.SessionID] = record
	s.mu.Unlock()

	s.logger.Debug("created session",
		"session_id", record.SessionID, "agent_id", agentID, "expires_at", expiry)
	return record.clone()
}

// GetSession returns a copy of an active session, or nil. Unknown ids and
// revoked or expired ids are indistinguishable to the caller, so probing
// cannot reveal revocation state.
func (s *Store) GetSession(sessionID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if !record.Active() {
		s.logger.Debug("session not active",
			"session_id", sessionID, "revoked", record.Revoked, "expired", record.Expired())
		return nil
	}
	return record.clone()
}

// RevokeSession marks a session revoked. Returns false when the id is
// unknown. Revocation is terminal.
func (s *Store) RevokeSession(sessionID, reason string) bool {
	s.mu.Lock()
	record, ok := s.sessions[sessionID]
	if ok {
		record.Revoked = true
		record.RevocationReason = reason
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("revoked session", "session_id", sessionID, "reason", reason)
	}
	return ok
}

// RevokeByHuman revokes every session whose human origin user_id matches.
// Returns the number of sessions newly revoked.
func (s *Store) RevokeByHuman(humanID string) int {
	revoked := 0

	s.mu.Lock()
	for _, record := range s.sessions {
		if record.Revoked || record.HumanOrigin == nil {
			continue
		}
		if userID, _ := record.HumanOrigin["user_id"].(string); userID == humanID {
			record.Revoked = true
			record.RevocationReason = "revoked by human id: " + humanID
			revoked++
		}
	}
	s.mu.Unlock()

	s.logger.Info("revoked sessions for human", "human_id", humanID, "count", revoked)
	return revoked
}

// ListActive returns copies of every active session.
func (s *Store) ListActive() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, 0, len(s.sessions))
	for _, record := range s.sessions {
		if record.Active() {
			out = append(out, record.clone())
		}
	}
	return out
}

// CleanupExpired removes expired records from the backing map and returns
// how many were removed. Revoked-but-unexpired records stay, preserving
// the revocation audit trail until they expire.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	removed := 0
	for sessionID, record := range s.sessions {
		if record.Expired() {
			delete(s.sessions, sessionID)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Info("cleaned up expired sessions", "count", removed)
	}
	return removed
}

// Touch updates a session's last-activity time. Passes through the store
// lock because the backing map may be resized concurrently.
func (s *Store) Touch(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	record.LastActivity = time.Now()
	return true
}

// IncrementWorkflow bumps a session's workflow counter and last-activity.
func (s *Store) IncrementWorkflow(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	record.WorkflowCount++
	record.LastActivity = time.Now()
	return true
}
