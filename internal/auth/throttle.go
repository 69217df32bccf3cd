package auth

import (
	"sync"
	"time"
)

const (
	DefaultLoginMaxAttempts = 5
	DefaultLoginWindow      = 5 * time.Minute
)

type attemptRecord struct {
	count int
	first time.Time
}

// LoginThrottle counts login attempts per source address. A window starts at the
// first attempt and lapses a fixed duration later regardless of later attempts.
type LoginThrottle struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	entries map[string]attemptRecord
}

func NewLoginThrottle(max int, window time.Duration) *LoginThrottle {
	if max <= 0 {
		max = DefaultLoginMaxAttempts
	}
	if window <= 0 {
		window = DefaultLoginWindow
	}
	return &LoginThrottle{max: max, window: window, entries: make(map[string]attemptRecord)}
}

// Allow reports whether ip may attempt a login at now without reserving an attempt.
func (t *LoginThrottle) Allow(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.current(ip, now)
	return !ok || rec.count < t.max
}

// Acquire reserves one attempt for ip, counting it as a failure until Clear or
// Release undoes it. It returns false once max attempts are held in the window.
func (t *LoginThrottle) Acquire(ip string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.current(ip, now)
	if !ok {
		rec = attemptRecord{first: now}
	}
	if rec.count >= t.max {
		return false
	}
	rec.count++
	t.entries[ip] = rec
	return true
}

// Release returns an attempt that ended without a verdict on the password.
func (t *LoginThrottle) Release(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.entries[ip]
	if !ok {
		return
	}
	if rec.count <= 1 {
		delete(t.entries, ip)
		return
	}
	rec.count--
	t.entries[ip] = rec
}

func (t *LoginThrottle) current(ip string, now time.Time) (attemptRecord, bool) {
	rec, ok := t.entries[ip]
	if ok && now.Sub(rec.first) > t.window {
		delete(t.entries, ip)
		return attemptRecord{}, false
	}
	return rec, ok
}

func (t *LoginThrottle) Clear(ip string) {
	t.mu.Lock()
	delete(t.entries, ip)
	t.mu.Unlock()
}

// Prune drops lapsed windows and returns how many were removed.
func (t *LoginThrottle) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for ip, rec := range t.entries {
		if now.Sub(rec.first) > t.window {
			delete(t.entries, ip)
			removed++
		}
	}
	return removed
}
