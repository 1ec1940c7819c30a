// Package ratelimit implements sliding-window request admission with
// interchangeable in-process and shared-store backends.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/axisflow/trustplane/internal/config"
)

// ErrBackendUnavailable wraps transport failures talking to a shared
// rate-limit store. Under fail-open policy the limiter swallows it; under
// fail-closed it reaches the caller.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	Identifier string
}

// Headers renders the standard X-RateLimit-* response headers.
func (r Result) Headers() map[string]string {
	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     r.ResetAt.UTC().Format(time.RFC3339),
	}
	if !r.Allowed && r.RetryAfter > 0 {
		headers["Retry-After"] = strconv.Itoa(int(r.RetryAfter.Round(time.Second) / time.Second))
	}
	return headers
}

// Backend is the admission store contract. Implementations must make
// CheckAndRecord atomic per identifier: two concurrent calls may never both
// observe the window under the limit and both record.
type Backend interface {
	// CheckAndRecord prunes entries outside the window, counts the rest,
	// and records the request only if the count is under limit, as one
	// atomic operation.
	CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error)

	// Check reports the current window state without recording.
	//
	// Deprecated: the separate Check/Record pair is race-prone; two
	// callers can both pass Check before either Records. Use
	// CheckAndRecord.
	Check(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error)

	// Record adds a request timestamp without checking.
	//
	// Deprecated: see Check.
	Record(ctx context.Context, identifier string) error

	// Reset clears an identifier's window immediately.
	Reset(ctx context.Context, identifier string) error

	// Close releases backend resources.
	Close() error
}

// Limiter applies the configured default limit and failure policy over a
// Backend.
type Limiter struct {
	backend  Backend
	limit    int
	window   time.Duration
	failOpen bool
	logger   *slog.Logger
}

// NewLimiter constructs the backend named by the configuration and wraps
// it. Redis initialization failures do not fail construction; they degrade
// per the fail-open policy at check time.
func NewLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var backend Backend
	switch cfg.Backend {
	case "redis":
		rb, err := NewRedisBackend(cfg, logger)
		if err != nil {
			return nil, err
		}
		// Best-effort connectivity check; an unreachable store is resolved
		// per the fail-open policy at check time, not here.
		_ = rb.Initialize(context.Background())
		backend = rb
	default:
		backend = NewMemoryBackend(0, logger)
	}

	return &Limiter{
		backend:  backend,
		limit:    cfg.Limit,
		window:   cfg.Window,
		failOpen: cfg.FailOpen,
		logger:   logger,
	}, nil
}

// NewLimiterWithBackend wraps an existing backend (used by tests and hosts
// with custom stores).
func NewLimiterWithBackend(backend Backend, limit int, window time.Duration, failOpen bool, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		backend:  backend,
		limit:    limit,
		window:   window,
		failOpen: failOpen,
		logger:   logger,
	}
}

// Allow admits or rejects one request for the identifier under the default
// limit and window.
func (l *Limiter) Allow(ctx context.Context, identifier string) (Result, error) {
	return l.AllowN(ctx, identifier, l.limit, l.window)
}

// AllowN admits or rejects one request under an explicit limit and window
// (route-specific overrides). Backend failures resolve per the fail-open
// policy: open means admit with a full window, closed means surface
// ErrBackendUnavailable.
func (l *Limiter) AllowN(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	result, err := l.backend.CheckAndRecord(ctx, identifier, limit, window)
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit backend failure, admitting request",
				"identifier", identifier, "error", err)
			return Result{
				Allowed:    true,
				Limit:      limit,
				Remaining:  limit,
				ResetAt:    time.Now().Add(window),
				Identifier: identifier,
			}, nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	result.Identifier = identifier
	return result, nil
}

// Reset clears an identifier's window (administrative override).
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.backend.Reset(ctx, identifier)
}

// Close releases the underlying backend.
func (l *Limiter) Close() error {
	return l.backend.Close()
}
