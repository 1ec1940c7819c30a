package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axisflow/trustplane/internal/config"
)

func TestExtractToken_Header(t *testing.T) {
	cfg := config.TokenConfig{}

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	token, err := ExtractToken(r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	// Scheme is case-insensitive.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "bearer abc123")
	token, err = ExtractToken(r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	// Other schemes are not bearer tokens.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = ExtractToken(r, cfg)
	assert.ErrorIs(t, err, ErrMissingToken)

	// A bare scheme with no token is missing, not empty.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer ")
	_, err = ExtractToken(r, cfg)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestExtractToken_CarrierPriority(t *testing.T) {
	cfg := config.TokenConfig{TokenCookie: "session", TokenQueryParam: "token"}

	// Header beats cookie beats query.
	r := httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
	r.Header.Set("Authorization", "Bearer from-header")
	r.AddCookie(&http.Cookie{Name: "session", Value: "from-cookie"})
	token, err := ExtractToken(r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-header", token)

	r = httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "from-cookie"})
	token, err = ExtractToken(r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-cookie", token)

	r = httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
	token, err = ExtractToken(r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-query", token)
}

func TestExtractToken_DisabledCarriers(t *testing.T) {
	// Cookie and query carriers are opt-in.
	cfg := config.TokenConfig{}

	r := httptest.NewRequest(http.MethodGet, "/x?token=from-query", nil)
	r.AddCookie(&http.Cookie{Name: "session", Value: "from-cookie"})
	_, err := ExtractToken(r, cfg)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestPathExempt(t *testing.T) {
	patterns := []string{"/health", "/auth/sso/*"}

	assert.True(t, PathExempt("/health", patterns))
	assert.False(t, PathExempt("/healthz", patterns))
	assert.False(t, PathExempt("/health/live", patterns))

	assert.True(t, PathExempt("/auth/sso", patterns))
	assert.True(t, PathExempt("/auth/sso/google", patterns))
	assert.True(t, PathExempt("/auth/sso/google/callback", patterns))
	assert.False(t, PathExempt("/auth/ssoX", patterns))

	assert.False(t, PathExempt("/anything", nil))
}
