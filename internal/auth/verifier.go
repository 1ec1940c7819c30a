package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/axisflow/trustplane/internal/config"
)

// Verifier authenticates bearer tokens against a single configured
// algorithm. The token's declared algorithm is confirmed before any
// signature work: "none" is rejected outright and a mismatch with the
// configured algorithm fails without revealing what is configured
// (algorithm-confusion defense).
type Verifier struct {
	cfg       config.TokenConfig
	keys      KeyFetcher // nil unless resolving through a JWKS endpoint
	publicKey any        // parsed PEM public key for asymmetric algorithms
	logger    *slog.Logger
}

// VerifierOption customizes verifier construction.
type VerifierOption func(*Verifier)

// WithKeyFetcher overrides the JWKS key fetcher (used by tests and hosts
// that share a key cache across verifiers).
func WithKeyFetcher(f KeyFetcher) VerifierOption {
	return func(v *Verifier) {
		v.keys = f
	}
}

// WithVerifierLogger sets the logger used for verification diagnostics.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewVerifier validates the configuration and prepares key material.
func NewVerifier(cfg config.TokenConfig, opts ...VerifierOption) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	v := &Verifier{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}

	if config.AsymmetricAlgorithms[cfg.Algorithm] {
		if cfg.PublicKeyPEM != "" {
			key, err := parsePublicKey(cfg.Algorithm, cfg.PublicKeyPEM)
			if err != nil {
				return nil, fmt.Errorf("parse public key: %w", err)
			}
			v.publicKey = key
		}
		if v.keys == nil && cfg.JWKSURL != "" {
			v.keys = NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, v.logger)
		}
	}

	return v, nil
}

// Verify authenticates an access token and returns the normalized
// Principal. Refresh tokens are rejected here; see VerifyRefreshToken.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*Principal, error) {
	claims, err := v.parseAndValidate(ctx, tokenString)
	if err != nil {
		return nil, err
	}

	if tokenType, _ := claims["token_type"].(string); tokenType == "refresh" {
		return nil, fmt.Errorf("%w: refresh tokens cannot be used for API authentication", ErrInvalidToken)
	}

	return PrincipalFromClaims(claims)
}

// RefreshClaims holds the validated content of a refresh token.
type RefreshClaims struct {
	Subject   string
	TenantID  string
	JTI       string
	ExpiresAt time.Time
}

// VerifyRefreshToken authenticates a refresh token. Access tokens are
// rejected — the two verification paths never overlap.
func (v *Verifier) VerifyRefreshToken(ctx context.Context, tokenString string) (*RefreshClaims, error) {
	claims, err := v.parseAndValidate(ctx, tokenString)
	if err != nil {
		return nil, err
	}

	if tokenType, _ := claims["token_type"].(string); tokenType != "refresh" {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}

	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: token missing user identifier (sub)", ErrInvalidToken)
	}

	rc := &RefreshClaims{Subject: subject}
	rc.TenantID, _ = claims["tenant_id"].(string)
	rc.JTI, _ = claims["jti"].(string)
	if exp, ok := claims["exp"].(float64); ok {
		rc.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return rc, nil
}

// parseAndValidate performs the full verification sequence: algorithm
// confirmation, signature check, and claim validation.
func (v *Verifier) parseAndValidate(ctx context.Context, tokenString string) (map[string]any, error) {
	if err := v.confirmAlgorithm(tokenString); err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.cfg.Algorithm}),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.DisableExpiryCheck {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}

	parser := jwt.NewParser(opts...)
	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, v.keyFunc(ctx))
	if err != nil {
		return nil, v.mapParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if v.cfg.DisableExpiryCheck && v.cfg.Issuer != "" {
		if iss, _ := claims["iss"].(string); iss != v.cfg.Issuer {
			return nil, fmt.Errorf("%w: invalid token issuer", ErrInvalidToken)
		}
	}
	if len(v.cfg.Audience) > 0 && !audienceMatches(claims["aud"], v.cfg.Audience) {
		return nil, fmt.Errorf("%w: invalid token audience", ErrInvalidToken)
	}

	return claims, nil
}

// confirmAlgorithm reads the unverified header and rejects the token before
// any cryptographic work if its algorithm is "none" or does not match the
// configured one. Error text never names the configured algorithm.
func (v *Verifier) confirmAlgorithm(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}

	alg, _ := token.Header["alg"].(string)
	if strings.EqualFold(alg, "none") || alg == "" {
		return fmt.Errorf("%w: algorithm 'none' is not permitted", ErrInvalidToken)
	}
	if !strings.EqualFold(alg, v.cfg.Algorithm) {
		v.logger.Warn("token algorithm mismatch", "token_alg", alg)
		return fmt.Errorf("%w: token algorithm mismatch", ErrInvalidToken)
	}
	return nil
}

// keyFunc resolves the verification key: JWKS (by kid), shared secret for
// symmetric algorithms, or the configured public key.
func (v *Verifier) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if v.keys != nil {
			kid, _ := token.Header["kid"].(string)
			key, err := v.keys.Key(ctx, kid)
			if err != nil {
				return nil, err
			}
			return key, nil
		}
		if config.SymmetricAlgorithms[v.cfg.Algorithm] {
			return []byte(v.cfg.Secret), nil
		}
		if v.publicKey == nil {
			return nil, fmt.Errorf("no verification key configured")
		}
		return v.publicKey, nil
	}
}

func (v *Verifier) mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	default:
		v.logger.Debug("jwt verification failed", "error", err)
		return fmt.Errorf("%w: %s", ErrInvalidToken, publicParseDetail(err))
	}
}

// publicParseDetail reduces parse errors to caller-safe phrasing.
func publicParseDetail(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature verification failed"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "invalid token issuer"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not valid yet"
	case errors.Is(err, ErrKeyNotFound):
		return "signing key not found"
	default:
		return "verification failed"
	}
}

// audienceMatches checks the aud claim (string or list) against the
// configured audience set.
func audienceMatches(raw any, configured []string) bool {
	var tokenAud []string
	switch v := raw.(type) {
	case string:
		tokenAud = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				tokenAud = append(tokenAud, s)
			}
		}
	case []string:
		tokenAud = v
	default:
		return false
	}
	for _, want := range configured {
		for _, got := range tokenAud {
			if want == got {
				return true
			}
		}
	}
	return false
}
