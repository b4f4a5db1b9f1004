package services

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window log keyed by an arbitrary string
// (subject+channel, phone number, network origin). Windows are never persisted.
type RateLimiter struct {
	mu      sync.Mutex
	clock   Clock
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	hits   []time.Time // ascending
	window time.Duration
}

// prune drops hits that have left the window ending at now
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func NewRateLimiter(clock Clock) *RateLimiter {
	if clock == nil {
		clock = SystemClock{}
	}
	return &RateLimiter{clock: clock, windows: make(map[string]*slidingWindow)}
}

// Allow records a hit for key if fewer than limit hits fall inside window.
// The check and the record are one atomic step.
// Returns (allowed, retryAfter); retryAfter is positive when denied.
// A limit below one denies every hit.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit < 1 {
		if window <= 0 {
			window = time.Second
		}
		return false, window
	}
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		w = &slidingWindow{window: window}
		rl.windows[key] = w
	}
	w.window = window
	w.prune(now)

	if len(w.hits) >= limit {
		retry := w.hits[len(w.hits)-limit].Add(window).Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return false, retry
	}

	w.hits = append(w.hits, now)
	return true, 0
}

// Peek reports the hits currently inside key's window without recording one
func (rl *RateLimiter) Peek(key string) int {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		return 0
	}
	w.prune(now)
	return len(w.hits)
}

// Reset forgets key
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.windows, key)
}

// Sweep drops windows with no hits left at now and returns how many were removed
func (rl *RateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, w := range rl.windows {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

// LockoutConfig holds the failure threshold and cooldown
type LockoutConfig struct {
	MaxAttempts int           // failures within Window that trigger a lock
	Window      time.Duration // rolling window for counting failures
	Cooldown    time.Duration // how long a lock lasts
}

// LockoutTracker counts failures per key and locks the key once MaxAttempts is reached.
// A lock only ends after its cooldown; successes do not lift it early.
type LockoutTracker struct {
	mu      sync.Mutex
	clock   Clock
	config  LockoutConfig
	entries map[string]*lockoutEntry
}

type lockoutEntry struct {
	failures    []time.Time
	lockedUntil time.Time
}

func NewLockoutTracker(config LockoutConfig, clock Clock) *LockoutTracker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &LockoutTracker{clock: clock, config: config, entries: make(map[string]*lockoutEntry)}
}

func (lt *LockoutTracker) pruneLocked(e *lockoutEntry, now time.Time) {
	cutoff := now.Add(-lt.config.Window)
	i := 0
	for i < len(e.failures) && !e.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.failures = append(e.failures[:0], e.failures[i:]...)
	}
}

// Check reports whether key is locked and for how much longer
func (lt *LockoutTracker) Check(key string) (bool, time.Duration) {
	now := lt.clock.Now()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[key]
	if !ok || !now.Before(e.lockedUntil) {
		return false, 0
	}
	return true, e.lockedUntil.Sub(now)
}

// RecordFailure counts a failure and returns the failures in the window and,
// when this failure reached the threshold, the lock expiry (zero otherwise)
func (lt *LockoutTracker) RecordFailure(key string) (int, time.Time) {
	now := lt.clock.Now()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[key]
	if !ok {
		e = &lockoutEntry{}
		lt.entries[key] = e
	}
	lt.pruneLocked(e, now)
	e.failures = append(e.failures, now)

	count := len(e.failures)
	if count >= lt.config.MaxAttempts && !now.Before(e.lockedUntil) {
		e.lockedUntil = now.Add(lt.config.Cooldown)
		e.failures = e.failures[:0]
		return count, e.lockedUntil
	}
	return count, time.Time{}
}

// Failures returns the failures currently counted for key
func (lt *LockoutTracker) Failures(key string) int {
	now := lt.clock.Now()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[key]
	if !ok {
		return 0
	}
	lt.pruneLocked(e, now)
	return len(e.failures)
}

// Reset clears the failure count after a success; an active lock is kept
func (lt *LockoutTracker) Reset(key string) {
	now := lt.clock.Now()

	lt.mu.Lock()
	defer lt.mu.Unlock()

	e, ok := lt.entries[key]
	if !ok {
		return
	}
	if now.Before(e.lockedUntil) {
		e.failures = e.failures[:0]
		return
	}
	delete(lt.entries, key)
}

// Sweep removes entries with no live failures and no active lock
func (lt *LockoutTracker) Sweep(now time.Time) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	removed := 0
	for key, e := range lt.entries {
		lt.pruneLocked(e, now)
		if len(e.failures) == 0 && !now.Before(e.lockedUntil) {
			delete(lt.entries, key)
			removed++
		}
	}
	return removed
}
