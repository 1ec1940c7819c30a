package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/axisflow/trustplane/internal/config"
)

// reservedClaims are set by the issuer itself; values for them supplied in
// AccessClaims.Extra are dropped (with a warning) rather than letting a
// caller spoof identity or authorization fields.
var reservedClaims = map[string]bool{
	"sub":         true,
	"iat":         true,
	"exp":         true,
	"iss":         true,
	"aud":         true,
	"token_type":  true,
	"roles":       true,
	"permissions": true,
	"tenant_id":   true,
}

// DefaultAccessTokenTTL applies when AccessClaims.TTL is zero.
const DefaultAccessTokenTTL = 30 * time.Minute

// DefaultRefreshTokenTTL applies when IssueRefreshToken is given no TTL.
const DefaultRefreshTokenTTL = 7 * 24 * time.Hour

// AccessClaims describes the content of an access token to issue. Subject
// is the only required field.
type AccessClaims struct {
	Subject     string
	Email       string
	Roles       []string
	Permissions []string
	TenantID    string

	// TTL bounds the token lifetime; zero means DefaultAccessTokenTTL.
	TTL time.Duration

	// Extra holds additional claims to embed. Reserved claim names are
	// silently dropped (logged at warn level).
	Extra map[string]any
}

// Issuer mints signed tokens with the same configuration the verifier
// consumes, so issued tokens always verify locally.
type Issuer struct {
	cfg        config.TokenConfig
	method     jwt.SigningMethod
	signingKey any
	logger     *slog.Logger
}

// NewIssuer validates the configuration and prepares signing key material.
// Asymmetric algorithms require PrivateKeyPEM.
func NewIssuer(cfg config.TokenConfig, logger *slog.Logger) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}

	iss := &Issuer{cfg: cfg, method: method, logger: logger}
	if config.SymmetricAlgorithms[cfg.Algorithm] {
		iss.signingKey = []byte(cfg.Secret)
	} else {
		if cfg.PrivateKeyPEM == "" {
			return nil, fmt.Errorf("%s issuance requires a private key", cfg.Algorithm)
		}
		key, err := parsePrivateKey(cfg.Algorithm, cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		iss.signingKey = key
	}
	return iss, nil
}

// IssueAccessToken mints a signed access token for the given claims.
func (i *Issuer) IssueAccessToken(claims AccessClaims) (string, error) {
	if claims.Subject == "" {
		return "", fmt.Errorf("access token requires a subject")
	}

	ttl := claims.TTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now()
	payload := jwt.MapClaims{
		"sub":        claims.Subject,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"token_type": "access",
	}
	if i.cfg.Issuer != "" {
		payload["iss"] = i.cfg.Issuer
	}
	if len(i.cfg.Audience) > 0 {
		payload["aud"] = i.cfg.Audience
	}
	if claims.Email != "" {
		payload["email"] = claims.Email
	}
	if len(claims.Roles) > 0 {
		payload["roles"] = claims.Roles
	}
	if len(claims.Permissions) > 0 {
		payload["permissions"] = claims.Permissions
	}
	if claims.TenantID != "" {
		payload["tenant_id"] = claims.TenantID
	}

	for name, value := range claims.Extra {
		if reservedClaims[name] {
			i.logger.Warn("dropping reserved claim from extra token data", "claim", name)
			continue
		}
		payload[name] = value
	}

	return i.sign(payload)
}

// IssueRefreshToken mints a long-lived refresh token for the subject. Each
// token carries a unique jti so a revocation list can address it. A zero
// ttl means DefaultRefreshTokenTTL.
func (i *Issuer) IssueRefreshToken(subject, tenantID string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("refresh token requires a subject")
	}
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	now := time.Now()
	payload := jwt.MapClaims{
		"sub":        subject,
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
		"jti":        uuid.NewString(),
		"token_type": "refresh",
	}
	if i.cfg.Issuer != "" {
		payload["iss"] = i.cfg.Issuer
	}
	if tenantID != "" {
		payload["tenant_id"] = tenantID
	}

	return i.sign(payload)
}

func (i *Issuer) sign(payload jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(i.method, payload)
	signed, err := token.SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
