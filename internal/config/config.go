package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Supported JWT algorithm families. The verifier accepts exactly one
// configured algorithm; these sets decide which key material it requires.
var (
	SymmetricAlgorithms  = map[string]bool{"HS256": true, "HS384": true, "HS512": true}
	AsymmetricAlgorithms = map[string]bool{
		"RS256": true, "RS384": true, "RS512": true,
		"ES256": true, "ES384": true, "ES512": true,
	}
)

// MinSecretLength is the minimum byte length for symmetric signing secrets.
// NIST SP 800-117 recommends key length >= hash output size (256 bits for
// HS256). Shorter secrets are rejected at configuration time.
const MinSecretLength = 32

// DefaultExemptPaths are paths skipped by the authentication middleware
// unless the host overrides them.
var DefaultExemptPaths = []string{
	"/health",
	"/metrics",
	"/auth/login",
	"/auth/refresh",
	"/auth/sso/*",
}

// TokenConfig configures token verification and issuance.
//
// The core components never read the process environment; hosts construct
// this struct explicitly (or via Load in the cmd layer).
type TokenConfig struct {
	// Secret is the shared key for HS* algorithms. Must be at least
	// MinSecretLength bytes.
	Secret string

	// Algorithm is the single accepted JWT algorithm (default HS256).
	// Tokens carrying any other algorithm are rejected before signature
	// verification.
	Algorithm string

	// PublicKeyPEM / PrivateKeyPEM hold PEM-encoded key material for
	// RS*/ES* algorithms. PrivateKeyPEM is only needed for issuance.
	PublicKeyPEM  string
	PrivateKeyPEM string

	// Issuer, when set, is stamped on issued tokens and required on
	// verified ones.
	Issuer string

	// Audience, when non-empty, must intersect the token's aud claim.
	Audience []string

	// Token carriers, in extraction priority order: Authorization header
	// (always), then cookie, then query parameter.
	TokenCookie     string
	TokenQueryParam string

	// ExemptPaths bypass authentication middleware. Exact match or
	// suffix wildcard ("/prefix/*").
	ExemptPaths []string

	// JWKSURL enables key resolution through a remote key set for
	// asymmetric algorithms.
	JWKSURL      string
	JWKSCacheTTL time.Duration

	// DisableExpiryCheck turns off exp validation (testing only).
	DisableExpiryCheck bool

	// Leeway absorbs clock skew when validating time claims.
	Leeway time.Duration
}

func (c *TokenConfig) withDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = "HS256"
	}
	c.Algorithm = strings.ToUpper(c.Algorithm)
	if c.JWKSCacheTTL <= 0 {
		c.JWKSCacheTTL = time.Hour
	}
	if c.ExemptPaths == nil {
		c.ExemptPaths = append([]string(nil), DefaultExemptPaths...)
	}
}

// Validate normalizes defaults and checks key material against the
// configured algorithm. Short symmetric secrets are rejected outright.
func (c *TokenConfig) Validate() error {
	c.withDefaults()

	switch {
	case SymmetricAlgorithms[c.Algorithm]:
		if c.Secret == "" {
			return fmt.Errorf("%s requires a secret key", c.Algorithm)
		}
		if len(c.Secret) < MinSecretLength {
			return fmt.Errorf(
				"jwt secret must be at least %d bytes for %s (got %d)",
				MinSecretLength, c.Algorithm, len(c.Secret))
		}
	case AsymmetricAlgorithms[c.Algorithm]:
		if c.PublicKeyPEM == "" && c.JWKSURL == "" {
			return fmt.Errorf("%s requires a public key or JWKS URL", c.Algorithm)
		}
	default:
		return fmt.Errorf("unsupported jwt algorithm %q", c.Algorithm)
	}
	return nil
}

// RouteLimit overrides the default rate limit for a path pattern.
// A nil *RouteLimit in RateLimitConfig.RouteLimits disables limiting
// for that pattern entirely.
type RouteLimit struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig configures the request-rate throttle.
type RateLimitConfig struct {
	// Limit is the number of requests admitted per Window (default 100/min).
	Limit  int
	Window time.Duration

	// Backend selects "memory" (in-process) or "redis" (shared store).
	Backend string

	// Redis connection settings, used only when Backend == "redis".
	RedisURL       string
	RedisKeyPrefix string
	RedisPoolSize  int
	RedisTimeout   time.Duration

	// RouteLimits maps path patterns (exact or "/prefix/*") to overrides.
	RouteLimits map[string]*RouteLimit

	// IncludeHeaders adds X-RateLimit-* headers to responses.
	IncludeHeaders bool

	// FailOpen admits requests when the backend is unreachable (default
	// true in Load). FailOpen=false surfaces backend errors to the caller.
	FailOpen bool
}

func (c *RateLimitConfig) withDefaults() {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "trustplane:rl:"
	}
	if c.RedisPoolSize <= 0 {
		c.RedisPoolSize = 50
	}
	if c.RedisTimeout <= 0 {
		c.RedisTimeout = 5 * time.Second
	}
}

// Validate normalizes defaults and checks backend settings.
func (c *RateLimitConfig) Validate() error {
	c.withDefaults()
	if c.Backend != "memory" && c.Backend != "redis" {
		return fmt.Errorf("unknown rate limit backend %q", c.Backend)
	}
	if c.Backend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis backend requires a redis URL")
	}
	return nil
}

// SessionConfig configures the session trust store.
type SessionConfig struct {
	// DefaultTTL bounds new sessions. Zero is legal and yields an
	// immediately-expired session (useful for exercising fail-closed
	// paths); negative values are rejected.
	DefaultTTL time.Duration
}

func (c *SessionConfig) Validate() error {
	if c.DefaultTTL < 0 {
		return fmt.Errorf("session TTL cannot be negative")
	}
	return nil
}

// Config is the top-level configuration consumed by the cmd layer.
type Config struct {
	// ServerAddr is the gateway bind address (host:port).
	ServerAddr string

	// RolesFile points to the YAML role configuration.
	RolesFile string

	// DefaultRole is granted to principals that carry no roles.
	DefaultRole string

	// Tenants lists the known tenant identifiers. Empty disables tenant
	// resolution entirely.
	Tenants []string

	Debug bool

	Token     TokenConfig
	RateLimit RateLimitConfig
	Session   SessionConfig
	Pipeline  PipelineConfig
}

// PipelineConfig configures the agent-to-agent admission pipeline.
type PipelineConfig struct {
	// RequireDelegation makes a failed policy-engine delegation fatal for
	// agent-to-agent calls instead of a logged degradation.
	RequireDelegation bool

	// ConstraintExpression is an optional boolean expression evaluated
	// against each outbound call (calling_agent, target_agent, tool,
	// depth). Empty disables the constraint policy.
	ConstraintExpression string
}

// Load reads configuration from environment variables with fallback
// defaults. Only the cmd layer calls this; core components receive the
// nested structs directly.
func Load() (*Config, error) {
	cfg := &Config{
		ServerAddr:  getEnv("TRUSTPLANE_SERVER_ADDR", "localhost:8080"),
		RolesFile:   getEnv("TRUSTPLANE_ROLES_FILE", ""),
		DefaultRole: getEnv("TRUSTPLANE_DEFAULT_ROLE", ""),
		Tenants:     splitList(getEnv("TRUSTPLANE_TENANTS", "")),
		Debug:       getEnvBool("TRUSTPLANE_DEBUG", false),
		Pipeline: PipelineConfig{
			RequireDelegation:    getEnvBool("TRUSTPLANE_REQUIRE_DELEGATION", false),
			ConstraintExpression: getEnv("TRUSTPLANE_CONSTRAINT_POLICY", ""),
		},
		Token: TokenConfig{
			Secret:          getEnv("TRUSTPLANE_JWT_SECRET", ""),
			Algorithm:       getEnv("TRUSTPLANE_JWT_ALGORITHM", "HS256"),
			PublicKeyPEM:    getEnv("TRUSTPLANE_JWT_PUBLIC_KEY", ""),
			PrivateKeyPEM:   getEnv("TRUSTPLANE_JWT_PRIVATE_KEY", ""),
			Issuer:          getEnv("TRUSTPLANE_JWT_ISSUER", ""),
			Audience:        splitList(getEnv("TRUSTPLANE_JWT_AUDIENCE", "")),
			TokenCookie:     getEnv("TRUSTPLANE_TOKEN_COOKIE", ""),
			TokenQueryParam: getEnv("TRUSTPLANE_TOKEN_QUERY_PARAM", ""),
			JWKSURL:         getEnv("TRUSTPLANE_JWKS_URL", ""),
			JWKSCacheTTL:    getEnvDuration("TRUSTPLANE_JWKS_CACHE_TTL", time.Hour),
			Leeway:          getEnvDuration("TRUSTPLANE_JWT_LEEWAY", 0),
		},
		RateLimit: RateLimitConfig{
			Limit:          getEnvInt("TRUSTPLANE_RATE_LIMIT", 100),
			Window:         getEnvDuration("TRUSTPLANE_RATE_WINDOW", time.Minute),
			Backend:        getEnv("TRUSTPLANE_RATE_BACKEND", "memory"),
			RedisURL:       getEnv("TRUSTPLANE_REDIS_URL", ""),
			RedisKeyPrefix: getEnv("TRUSTPLANE_REDIS_KEY_PREFIX", "trustplane:rl:"),
			IncludeHeaders: getEnvBool("TRUSTPLANE_RATE_HEADERS", true),
			FailOpen:       getEnvBool("TRUSTPLANE_RATE_FAIL_OPEN", true),
		},
		Session: SessionConfig{
			DefaultTTL: getEnvDuration("TRUSTPLANE_SESSION_TTL", 8*time.Hour),
		},
	}

	if err := cfg.Token.Validate(); err != nil {
		return nil, fmt.Errorf("token config: %w", err)
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, fmt.Errorf("rate limit config: %w", err)
	}
	if err := cfg.Session.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}

	return cfg, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// Bare integers are treated as seconds.
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
