// Package auth provides credential verification, sessions and CSRF protection
// for the authorization server.
package auth

import (
	"sync"
	"time"
)

// LockoutService tracks failed login attempts per username and locks the
// account temporarily once the threshold is reached.
type LockoutService struct {
	maxAttempts int
	duration    time.Duration
	attempts    map[string]*lockoutEntry
	mu          sync.RWMutex
	now         func() time.Time
}

type lockoutEntry struct {
	count    int
	lockedAt time.Time
}

// NewLockoutService creates a new LockoutService.
// maxAttempts: number of failed attempts before lockout (0 = disabled)
// duration: how long the account stays locked
func NewLockoutService(maxAttempts int, duration time.Duration) *LockoutService {
	return &LockoutService{
		maxAttempts: maxAttempts,
		duration:    duration,
		attempts:    make(map[string]*lockoutEntry),
		now:         time.Now,
	}
}

func (s *LockoutService) enabled() bool {
	return s != nil && s.maxAttempts > 0
}

// expired reports whether a lock on entry has lapsed. Caller holds mu.
func (s *LockoutService) expired(entry *lockoutEntry) bool {
	return !entry.lockedAt.IsZero() && s.now().Sub(entry.lockedAt) >= s.duration
}

// IsLocked checks if an account is currently locked.
func (s *LockoutService) IsLocked(username string) bool {
	if !s.enabled() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.attempts[username]
	if !exists || entry.lockedAt.IsZero() {
		return false
	}
	return !s.expired(entry)
}

// RecordFailure records a failed login attempt and returns true if the
// account is now locked.
func (s *LockoutService) RecordFailure(username string) bool {
	if !s.enabled() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.attempts[username]
	if !exists {
		entry = &lockoutEntry{}
		s.attempts[username] = entry
	}

	if s.expired(entry) {
		entry.count = 0
		entry.lockedAt = time.Time{}
	}

	entry.count++
	if entry.count >= s.maxAttempts {
		entry.lockedAt = s.now()
		return true
	}
	return false
}

// RecordSuccess clears failed attempts for an account after successful login.
func (s *LockoutService) RecordSuccess(username string) {
	if !s.enabled() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, username)
}

// RemainingAttempts returns the number of attempts left before lockout,
// or -1 when lockout is disabled.
func (s *LockoutService) RemainingAttempts(username string) int {
	if !s.enabled() {
		return -1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.attempts[username]
	if !exists || s.expired(entry) {
		return s.maxAttempts
	}
	return max(s.maxAttempts-entry.count, 0)
}

// LockoutRemaining returns the time until the account unlocks, 0 if unlocked.
func (s *LockoutService) LockoutRemaining(username string) time.Duration {
	if !s.enabled() {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.attempts[username]
	if !exists || entry.lockedAt.IsZero() {
		return 0
	}
	return max(s.duration-s.now().Sub(entry.lockedAt), 0)
}

// Sweep drops entries whose lock has lapsed. It returns the number removed.
func (s *LockoutService) Sweep() int {
	if !s.enabled() {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for name, entry := range s.attempts {
		if s.expired(entry) {
			delete(s.attempts, name)
			removed++
		}
	}
	return removed
}
