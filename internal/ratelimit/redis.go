package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axisflow/trustplane/internal/config"
)

// checkAndRecordScript prunes, counts, and conditionally records in one
// atomic server-side step. Returns {1, remaining} when admitted or
// {0, retryAfterSeconds} when over the limit, with retry-after derived
// from the oldest surviving entry.
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_seconds = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current_count = redis.call('ZCARD', key)

if current_count < limit then
    redis.call('ZADD', key, now, now)
    redis.call('EXPIRE', key, window_seconds + 1)
    return {1, limit - current_count - 1}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local retry_after = 0
    if oldest and oldest[2] then
        retry_after = math.ceil((tonumber(oldest[2]) + window_seconds) - now)
        if retry_after < 1 then retry_after = 1 end
    end
    return {0, retry_after}
end
`)

// RedisBackend keeps per-identifier sliding windows in Redis sorted sets.
// Admission runs as a single Lua script, so concurrent checks against the
// same identifier can never overcount, even across processes.
type RedisBackend struct {
	client      redis.UniversalClient
	keyPrefix   string
	timeout     time.Duration
	safeURL     string
	logger      *slog.Logger
	initialized atomic.Bool
}

// NewRedisBackend parses the connection URL and builds the client. It does
// not touch the network; NewLimiter checks connectivity with a best-effort
// Initialize call after construction.
func NewRedisBackend(cfg config.RateLimitConfig, logger *slog.Logger) (*RedisBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.RedisPoolSize
	opts.DialTimeout = cfg.RedisTimeout
	opts.ReadTimeout = cfg.RedisTimeout
	opts.WriteTimeout = cfg.RedisTimeout

	return &RedisBackend{
		client:    redis.NewClient(opts),
		keyPrefix: cfg.RedisKeyPrefix,
		timeout:   cfg.RedisTimeout,
		safeURL:   sanitizeRedisURL(cfg.RedisURL),
		logger:    logger,
	}, nil
}

// Initialize pings the store. Idempotent, and failure is not fatal: the
// backend stays usable and each check surfaces its own error for the
// limiter's fail-open/fail-closed policy to resolve.
func (b *RedisBackend) Initialize(ctx context.Context) error {
	if b.initialized.Load() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.Ping(ctx).Err(); err != nil {
		b.logger.Warn("redis rate limit store unreachable", "error", err)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	b.initialized.Store(true)
	b.logger.Info("redis rate limit backend initialized", "url", b.safeURL)
	return nil
}

func (b *RedisBackend) key(identifier string) string {
	return b.keyPrefix + identifier
}

// CheckAndRecord runs the atomic admission script.
func (b *RedisBackend) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	windowSec := int(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}

	raw, err := checkAndRecordScript.Run(ctx, b.client, []string{b.key(identifier)},
		nowSec, nowSec-float64(windowSec), limit, windowSec).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 2 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", raw)
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)

	if allowed == 1 {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: int(count),
			ResetAt:   now.Add(window),
		}, nil
	}
	retryAfter := time.Duration(count) * time.Second
	return Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Check reports the window state without recording.
//
// Deprecated: race-prone next to Record; use CheckAndRecord.
func (b *RedisBackend) Check(ctx context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9
	windowSec := int(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	key := b.key(identifier)

	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", nowSec-float64(windowSec)))
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(windowSec+1)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	count := int(countCmd.Val())
	if count < limit {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - count - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	result := Result{Allowed: false, Limit: limit, ResetAt: now.Add(window)}
	oldest, err := b.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		retryAfter := time.Duration((oldest[0].Score+float64(windowSec))-nowSec) * time.Second
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		result.RetryAfter = retryAfter
		result.ResetAt = now.Add(retryAfter)
	}
	return result, nil
}

// Record adds a timestamp without checking.
//
// Deprecated: race-prone next to Check; use CheckAndRecord.
func (b *RedisBackend) Record(ctx context.Context, identifier string) error {
	nowSec := float64(time.Now().UnixNano()) / 1e9
	return b.client.ZAdd(ctx, b.key(identifier), redis.Z{Score: nowSec, Member: nowSec}).Err()
}

// Reset deletes the identifier's window.
func (b *RedisBackend) Reset(ctx context.Context, identifier string) error {
	return b.client.Del(ctx, b.key(identifier)).Err()
}

// Close releases the connection pool.
func (b *RedisBackend) Close() error {
	b.initialized.Store(false)
	return b.client.Close()
}

// sanitizeRedisURL strips credentials for log lines.
func sanitizeRedisURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "redis://***"
	}
	if parsed.User != nil {
		parsed.User = nil
	}
	return parsed.String()
}
