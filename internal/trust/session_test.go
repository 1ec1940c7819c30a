package trust

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axisflow/trustplane/internal/config"
)

func testStore(ttl time.Duration) *Store {
	return NewStore(config.SessionConfig{DefaultTTL: ttl}, nil)
}

func TestCreateAndGetSession(t *testing.T) {
	store := testStore(time.Hour)

	created := store.CreateSession(
		map[string]any{"user_id": "u1"}, "agent-a", map[string]any{"scope": "read"})
	assert.True(t, strings.HasPrefix(created.SessionID, "sts-"))
	assert.True(t, created.Active())
	require.NotNil(t, created.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *created.ExpiresAt, time.Minute)

	got := store.GetSession(created.SessionID)
	require.NotNil(t, got)
	assert.Equal(t, created.SessionID, got.SessionID)
	assert.Equal(t, "agent-a", got.AgentID)
	assert.Equal(t, "u1", got.HumanOrigin["user_id"])
}

func TestGetSession_UnknownID(t *testing.T) {
	store := testStore(time.Hour)
	assert.Nil(t, store.GetSession("sts-nonexistent"))
}

func TestGetSession_ReturnsCopy(t *testing.T) {
	store := testStore(time.Hour)
	created := store.CreateSession(map[string]any{"user_id": "u1"}, "agent-a", nil)

	got := store.GetSession(created.SessionID)
	got.HumanOrigin["user_id"] = "tampered"
	got.AgentID = "tampered"

	fresh := store.GetSession(created.SessionID)
	assert.Equal(t, "u1", fresh.HumanOrigin["user_id"])
	assert.Equal(t, "agent-a", fresh.AgentID)
}

func TestRevokeSession(t *testing.T) {
	store := testStore(time.Hour)
	created := store.CreateSession(nil, "agent-a", nil)

	assert.True(t, store.RevokeSession(created.SessionID, "compromised"))
	assert.False(t, store.RevokeSession("sts-nonexistent", ""))

	// revoked and never-existed are indistinguishable
	assert.Nil(t, store.GetSession(created.SessionID))
	assert.Nil(t, store.GetSession("sts-nonexistent"))
}

func TestRevokeByHuman(t *testing.T) {
	store := testStore(time.Hour)

	s1 := store.CreateSession(map[string]any{"user_id": "u1"}, "agent-a", nil)
	s2 := store.CreateSession(map[string]any{"user_id": "u1"}, "agent-b", nil)
	other := store.CreateSession(map[string]any{"user_id": "u2"}, "agent-c", nil)
	noOrigin := store.CreateSession(nil, "agent-d", nil)

	assert.Equal(t, 2, store.RevokeByHuman("u1"))
	assert.Nil(t, store.GetSession(s1.SessionID))
	assert.Nil(t, store.GetSession(s2.SessionID))
	assert.NotNil(t, store.GetSession(other.SessionID))
	assert.NotNil(t, store.GetSession(noOrigin.SessionID))

	// already-revoked sessions do not count twice
	assert.Equal(t, 0, store.RevokeByHuman("u1"))
}

func TestZeroTTL_ImmediatelyExpired(t *testing.T) {
	store := testStore(0)
	created := store.CreateSession(nil, "agent-a", nil)

	time.Sleep(time.Millisecond)
	assert.Nil(t, store.GetSession(created.SessionID))
	assert.Empty(t, store.ListActive())
}

func TestListActiveAndCleanupExpired(t *testing.T) {
	store := testStore(time.Hour)
	live := store.CreateSession(nil, "agent-a", nil)

	// backdate a second session's expiry
	short := store.CreateSession(nil, "agent-b", nil)
	store.mu.Lock()
	past := time.Now().Add(-time.Minute)
	store.sessions[short.SessionID].ExpiresAt = &past
	store.mu.Unlock()

	active := store.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, live.SessionID, active[0].SessionID)

	assert.Equal(t, 1, store.CleanupExpired())
	assert.Equal(t, 0, store.CleanupExpired())

	for _, record := range store.ListActive() {
		require.NotNil(t, record.ExpiresAt)
		assert.True(t, record.ExpiresAt.After(time.Now()))
	}
}

func TestTouchAndIncrementWorkflow(t *testing.T) {
	store := testStore(time.Hour)
	created := store.CreateSession(nil, "agent-a", nil)

	before := created.LastActivity
	time.Sleep(time.Millisecond)

	assert.True(t, store.Touch(created.SessionID))
	got := store.GetSession(created.SessionID)
	assert.True(t, got.LastActivity.After(before))

	assert.True(t, store.IncrementWorkflow(created.SessionID))
	assert.True(t, store.IncrementWorkflow(created.SessionID))
	assert.Equal(t, 2, store.GetSession(created.SessionID).WorkflowCount)

	assert.False(t, store.Touch("sts-nonexistent"))
	assert.False(t, store.IncrementWorkflow("sts-nonexistent"))
}

func TestFromEnvelope(t *testing.T) {
	store := testStore(time.Hour)

	record := store.FromEnvelope(&Envelope{
		TraceID:         "trace-1",
		AgentID:         "agent-a",
		HumanOrigin:     map[string]any{"user_id": "u1"},
		DelegationChain: []string{"agent-root", "agent-a"},
		Constraints:     map[string]any{"scope": "read"},
	})

	got := store.GetSession(record.SessionID)
	require.NotNil(t, got)
	assert.Equal(t, "agent-a", got.AgentID)
	assert.Equal(t, []string{"agent-root", "agent-a"}, got.DelegationChain)
	assert.Equal(t, "read", got.Constraints["scope"])
}

func TestConcurrentCreateAndCleanup(t *testing.T) {
	store := testStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			store.CreateSession(map[string]any{"user_id": "u1"}, "agent-a", nil)
		}()
		go func() {
			defer wg.Done()
			store.CleanupExpired()
		}()
		go func() {
			defer wg.Done()
			store.ListActive()
		}()
	}
	wg.Wait()

	// nothing expired, so every created session is still active
	assert.Len(t, store.ListActive(), 50)
}

func TestCurrentSessionContext(t *testing.T) {
	store := testStore(time.Hour)
	record := store.CreateSession(nil, "agent-a", nil)

	ctx := context.Background()
	assert.Nil(t, CurrentSession(ctx))

	ctx = WithCurrentSession(ctx, record)
	got := CurrentSession(ctx)
	require.NotNil(t, got)
	assert.Equal(t, record.SessionID, got.SessionID)

	// sibling contexts are isolated
	other := WithCurrentSession(context.Background(), store.CreateSession(nil, "agent-b", nil))
	assert.NotEqual(t, CurrentSession(other).SessionID, got.SessionID)
}

func TestEnvelopeContext(t *testing.T) {
	env := &Envelope{TraceID: "trace-1", AgentID: "agent-a"}

	ctx := WithEnvelope(context.Background(), env)
	got := EnvelopeFrom(ctx)
	require.NotNil(t, got)
	assert.Equal(t, "trace-1", got.TraceID)

	assert.Nil(t, EnvelopeFrom(context.Background()))
}
