package ratelimit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// defaultMaxEntries caps tracked identifiers so spoofed identifiers (e.g.
// forged X-Forwarded-For values) cannot grow memory without bound.
const defaultMaxEntries = 100_000

// MemoryBackend keeps sliding windows in process memory: a slice of
// request timestamps per identifier, pruned lazily on each check. One
// global mutex serializes check-and-record; identifier cardinality is
// expected to be low enough that sharding is not worth the complexity.
type MemoryBackend struct {
	mu         sync.Mutex
	windows    map[string][]time.Time
	maxEntries int
	logger     *slog.Logger
}

// NewMemoryBackend creates an in-process backend. maxEntries of zero means
// defaultMaxEntries.
func NewMemoryBackend(maxEntries int, logger *slog.Logger) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBackend{
		windows:    make(map[string][]time.Time),
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// CheckAndRecord prunes, counts, and conditionally records under the lock.
func (b *MemoryBackend) CheckAndRecord(_ context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked()

	now := time.Now()
	timestamps := pruneWindow(b.windows[identifier], now.Add(-window))

	if len(timestamps) < limit {
		b.windows[identifier] = append(timestamps, now)
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(timestamps) - 1,
			ResetAt:   now.Add(window),
		}, nil
	}

	b.windows[identifier] = timestamps
	retryAfter := timestamps[0].Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
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
func (b *MemoryBackend) Check(_ context.Context, identifier string, limit int, window time.Duration) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	timestamps := pruneWindow(b.windows[identifier], now.Add(-window))
	b.windows[identifier] = timestamps

	if len(timestamps) < limit {
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(timestamps) - 1,
			ResetAt:   now.Add(window),
		}, nil
	}
	retryAfter := timestamps[0].Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Result{
		Allowed:    false,
		Limit:      limit,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}

// Record adds a timestamp without checking.
//
// Deprecated: race-prone next to Check; use CheckAndRecord.
func (b *MemoryBackend) Record(_ context.Context, identifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows[identifier] = append(b.windows[identifier], time.Now())
	return nil
}

// Reset clears the identifier's window.
func (b *MemoryBackend) Reset(_ context.Context, identifier string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, identifier)
	return nil
}

// Close is a no-op for the in-process backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// evictLocked removes the oldest tenth of identifiers when the map exceeds
// maxEntries. Caller must hold the lock.
func (b *MemoryBackend) evictLocked() {
	if len(b.windows) <= b.maxEntries {
		return
	}

	type lastSeen struct {
		identifier string
		at         time.Time
	}
	entries := make([]lastSeen, 0, len(b.windows))
	for identifier, timestamps := range b.windows {
		at := time.Time{}
		if len(timestamps) > 0 {
			at = timestamps[len(timestamps)-1]
		}
		entries = append(entries, lastSeen{identifier, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	evict := len(entries) / 10
	if evict < 1 {
		evict = 1
	}
	for _, entry := range entries[:evict] {
		delete(b.windows, entry.identifier)
	}
	b.logger.Warn("rate limit memory eviction",
		"evicted", evict, "max_entries", b.maxEntries, "tracked", len(b.windows))
}

// pruneWindow drops timestamps at or before the cutoff. Input is in
// insertion order, which is time order.
func pruneWindow(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(timestamps) && !timestamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return timestamps
	}
	return append([]time.Time(nil), timestamps[idx:]...)
}
