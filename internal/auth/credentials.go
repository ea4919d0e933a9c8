package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// Reason explains why a credential check failed.
type Reason string

// Failure reasons. The values are part of the validate-credentials API.
const (
	ReasonNone               Reason = ""
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonDisabled           Reason = "disabled"
	ReasonLocked             Reason = "locked"
	ReasonExpired            Reason = "expired"
	ReasonCredentialsExpired Reason = "credentials_expired"
	ReasonServiceUnavailable Reason = "service_unavailable"
)

// Result is the outcome of a credential check.
type Result struct {
	Valid  bool
	Reason Reason
	// User is set only when Valid is true.
	User *domain.User
}

// Directory looks up accounts. Errors other than CodeNotFound are treated as
// the directory being unreachable.
type Directory interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
}

// Verifier validates username/password pairs. The login form and the
// validate-credentials endpoint both call Validate.
type Verifier struct {
	directory Directory
	lockout   *LockoutService
	logger    *slog.Logger
}

// VerifierOption configures the Verifier.
type VerifierOption func(*Verifier)

// WithLockout enables temporary lockout after repeated failures.
func WithLockout(lockout *LockoutService) VerifierOption {
	return func(v *Verifier) {
		v.lockout = lockout
	}
}

// WithVerifierLogger sets the logger for the verifier.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// NewVerifier creates a Verifier backed by directory.
func NewVerifier(directory Directory, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		directory: directory,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks the credentials. Account state is evaluated before the
// password so a disabled account never reveals whether its password matched.
func (v *Verifier) Validate(ctx context.Context, username, password string) Result {
	username = strings.TrimSpace(username)
	if username == "" {
		_, _ = VerifyPassword(password, dummyHash)
		return Result{Reason: ReasonInvalidCredentials}
	}

	user, err := v.directory.GetByUsername(ctx, username)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			_, _ = VerifyPassword(password, dummyHash)
			return Result{Reason: ReasonInvalidCredentials}
		}
		v.logger.Warn("user directory unavailable", "error", err)
		return Result{Reason: ReasonServiceUnavailable}
	}

	if reason := v.accountState(user); reason != ReasonNone {
		_, _ = VerifyPassword(password, user.PasswordHash)
		return Result{Reason: reason}
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		v.logger.Error("password verification error", "user_id", user.ID, "error", err)
		return Result{Reason: ReasonInvalidCredentials}
	}
	if !ok {
		if v.lockout != nil && v.lockout.RecordFailure(user.Username) {
			v.logger.Warn("account temporarily locked", "user_id", user.ID)
		}
		return Result{Reason: ReasonInvalidCredentials}
	}

	if v.lockout != nil {
		v.lockout.RecordSuccess(user.Username)
	}
	return Result{Valid: true, User: user}
}

// CheckAccount re-evaluates account state for an already authenticated user.
func (v *Verifier) CheckAccount(user *domain.User) Reason {
	return v.accountState(user)
}

func (v *Verifier) accountState(user *domain.User) Reason {
	switch {
	case !user.Enabled:
		return ReasonDisabled
	case user.Locked, v.lockout != nil && v.lockout.IsLocked(user.Username):
		return ReasonLocked
	case user.Expired:
		return ReasonExpired
	case user.CredentialsExpired:
		return ReasonCredentialsExpired
	}
	return ReasonNone
}
