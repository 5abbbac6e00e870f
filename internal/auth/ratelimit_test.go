package auth

import (
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("Allow returns true initially", func(t *testing.T) {
		rl := NewRateLimiter()
		if !rl.Allow("alice", "192.168.1.1") {
			t.Error("expected Allow to return true for a new username+IP")
		}
	})

	t.Run("allows up to maxLoginAttempts failures", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < maxLoginAttempts-1; i++ {
			rl.RecordFailure("alice", "10.0.0.1")
			if !rl.Allow("alice", "10.0.0.1") {
				t.Errorf("expected Allow to return true after %d failures", i+1)
			}
		}
	})

	t.Run("blocks after maxLoginAttempts failures", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < maxLoginAttempts; i++ {
			rl.RecordFailure("alice", "10.0.0.2")
		}
		if rl.Allow("alice", "10.0.0.2") {
			t.Error("expected Allow to return false after maxLoginAttempts failures")
		}
	})

	t.Run("Allow is a pure check and does not increment", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < maxLoginAttempts-1; i++ {
			rl.RecordFailure("alice", "10.0.0.5")
		}
		// Call Allow many times — should never block since no failures are being recorded.
		for i := 0; i < 20; i++ {
			if !rl.Allow("alice", "10.0.0.5") {
				t.Errorf("expected Allow to remain true on call %d (pure check)", i+1)
			}
		}
	})

	t.Run("RecordFailure triggers lockout at threshold", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < accountLockout; i++ {
			rl.RecordFailure("alice", "10.0.0.3")
		}
		if rl.Allow("alice", "10.0.0.3") {
			t.Error("expected Allow to return false after accountLockout RecordFailure calls")
		}
	})

	t.Run("Reset clears failures", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < accountLockout; i++ {
			rl.RecordFailure("alice", "10.0.0.4")
		}
		if rl.Allow("alice", "10.0.0.4") {
			t.Error("expected blocked before reset")
		}
		rl.Reset("alice", "10.0.0.4")
		if !rl.Allow("alice", "10.0.0.4") {
			t.Error("expected Allow to return true after Reset")
		}
	})

	t.Run("different pairs are independent", func(t *testing.T) {
		rl := NewRateLimiter()

		// Lock out alice from one address.
		for i := 0; i < accountLockout; i++ {
			rl.RecordFailure("alice", "10.0.0.10")
		}
		if rl.Allow("alice", "10.0.0.10") {
			t.Error("alice@10.0.0.10 should be blocked")
		}

		// Same user from another address, and another user from the same
		// address, are tracked separately.
		if !rl.Allow("alice", "10.0.0.11") {
			t.Error("alice@10.0.0.11 should not be affected")
		}
		if !rl.Allow("bob", "10.0.0.10") {
			t.Error("bob@10.0.0.10 should not be affected")
		}
	})

	t.Run("window expiry resets the count", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < maxLoginAttempts; i++ {
			rl.RecordFailure("alice", "10.0.0.6")
		}
		if rl.Allow("alice", "10.0.0.6") {
			t.Error("expected blocked within the window")
		}

		rl.mu.Lock()
		a := rl.attempts[limiterKey("alice", "10.0.0.6")]
		a.FirstAt = a.FirstAt.Add(-(loginWindow + time.Second))
		rl.mu.Unlock()

		if !rl.Allow("alice", "10.0.0.6") {
			t.Error("expected Allow to return true after the window expired")
		}
	})

	t.Run("Cleanup removes expired entries", func(t *testing.T) {
		rl := NewRateLimiter()
		rl.RecordFailure("alice", "10.0.0.20")

		rl.mu.Lock()
		a := rl.attempts[limiterKey("alice", "10.0.0.20")]
		a.FirstAt = a.FirstAt.Add(-(loginWindow + time.Second))
		rl.mu.Unlock()

		rl.Cleanup()

		rl.mu.Lock()
		_, exists := rl.attempts[limiterKey("alice", "10.0.0.20")]
		rl.mu.Unlock()
		if exists {
			t.Error("expected Cleanup to remove the expired entry")
		}
	})

	t.Run("Cleanup keeps active lockouts", func(t *testing.T) {
		rl := NewRateLimiter()
		for i := 0; i < accountLockout; i++ {
			rl.RecordFailure("alice", "10.0.0.21")
		}
		rl.Cleanup()
		if rl.Allow("alice", "10.0.0.21") {
			t.Error("expected lockout to survive Cleanup")
		}
	})
}
