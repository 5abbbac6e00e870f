package auth

import (
	"sync"
	"time"
)

const (
	maxLoginAttempts  = 5 // per username+IP within the window
	loginWindow       = 5 * time.Minute
	accountLockout    = 10 // consecutive failures before lockout
	accountLockoutDur = 30 * time.Minute
)

// LoginAttempt tracks login attempts for one username+IP pair.
type LoginAttempt struct {
	Count     int
	FirstAt   time.Time
	BlockedAt time.Time // non-zero if blocked
}

// RateLimiter tracks login attempt rates keyed by username+IP.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string]*LoginAttempt
}

// NewRateLimiter creates a new login rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string]*LoginAttempt),
	}
}

// limiterKey combines username and IP so one address hammering many
// accounts and many addresses hammering one account are both throttled.
func limiterKey(username, ip string) string {
	return username + "|" + ip
}

// Allow checks if a login attempt for the given username+IP is allowed.
// It is a pure check: only RecordFailure counts against the limit.
func (rl *RateLimiter) Allow(username, ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limiterKey(username, ip)
	now := time.Now()
	a, ok := rl.attempts[key]
	if !ok {
		return true
	}

	// If blocked, check if cooldown has expired.
	if !a.BlockedAt.IsZero() {
		if now.Before(a.BlockedAt.Add(accountLockoutDur)) {
			return false
		}
		// Cooldown expired — reset.
		a.Count = 0
		a.FirstAt = now
		a.BlockedAt = time.Time{}
		return true
	}

	// Reset window if it's expired.
	if now.After(a.FirstAt.Add(loginWindow)) {
		a.Count = 0
		a.FirstAt = now
		return true
	}

	return a.Count < maxLoginAttempts
}

// RecordFailure records a failed login for a username+IP pair.
func (rl *RateLimiter) RecordFailure(username, ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := limiterKey(username, ip)
	a, ok := rl.attempts[key]
	if !ok {
		rl.attempts[key] = &LoginAttempt{Count: 1, FirstAt: time.Now()}
		return
	}
	a.Count++
	if a.Count >= accountLockout {
		a.BlockedAt = time.Now()
	}
}

// Reset clears rate limit state for a username+IP (called on successful login).
func (rl *RateLimiter) Reset(username, ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, limiterKey(username, ip))
}

// Cleanup removes expired entries. Call periodically.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, a := range rl.attempts {
		if !a.BlockedAt.IsZero() {
			if now.After(a.BlockedAt.Add(accountLockoutDur)) {
				delete(rl.attempts, key)
			}
			continue
		}
		if now.After(a.FirstAt.Add(loginWindow)) {
			delete(rl.attempts, key)
		}
	}
}
