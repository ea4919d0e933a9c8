package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/store"
)

// Janitor removes expired sessions, codes and refresh tokens, lapsed
// lockouts and retired signing keys, and rotates the signing key when due.
type Janitor struct {
	Sessions  store.SessionRepository
	AuthCodes store.AuthCodeRepository
	Tokens    store.TokenRepository
	Keys      *crypto.KeyService
	Lockout   *auth.LockoutService
	Logger    *slog.Logger
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Failures are logged and do not stop the pass.
func (j *Janitor) Sweep(ctx context.Context) {
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cleanups := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"sessions", j.Sessions.DeleteExpired},
		{"auth_codes", j.AuthCodes.DeleteExpired},
		{"tokens", j.Tokens.DeleteExpired},
	}
	for _, c := range cleanups {
		if err := c.fn(ctx); err != nil {
			logger.Warn("cleanup failed", "kind", c.name, "error", err)
		}
	}

	if j.Lockout != nil {
		if n := j.Lockout.Sweep(); n > 0 {
			logger.Debug("lockouts expired", "count", n)
		}
	}

	if j.Keys != nil {
		rotated, err := j.Keys.RotateIfDue(ctx)
		if err != nil {
			logger.Error("signing key rotation failed", "error", err)
		} else if rotated {
			logger.Info("signing key rotated")
		}
		if err := j.Keys.CleanupExpiredKeys(ctx); err != nil {
			logger.Warn("key cleanup failed", "error", err)
		}
	}
}
