package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/principal"
)

// Service ties the credential verifier to browser sessions.
type Service struct {
	directory Directory
	verifier  *Verifier
	sessions  *SessionService
	csrf      *CSRFService
	logger    *slog.Logger
}

// ServiceOption configures the Service.
type ServiceOption func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a new auth Service.
func NewService(directory Directory, verifier *Verifier, sessions *SessionService, csrf *CSRFService, opts ...ServiceOption) *Service {
	s := &Service{
		directory: directory,
		verifier:  verifier,
		sessions:  sessions,
		csrf:      csrf,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sessions returns the session service.
func (s *Service) Sessions() *SessionService {
	return s.sessions
}

// CSRF returns the CSRF service.
func (s *Service) CSRF() *CSRFService {
	return s.csrf
}

// Verifier returns the credential verifier.
func (s *Service) Verifier() *Verifier {
	return s.verifier
}

// Login checks the CSRF token and the credentials and, on success, replaces
// any existing session with a new one. A non-nil error means the request
// itself failed; rejected credentials are reported through Result.
func (s *Service) Login(ctx context.Context, w http.ResponseWriter, r *http.Request, username, password string) (Result, error) {
	if err := s.csrf.ValidateToken(r); err != nil {
		return Result{}, idperrors.Wrap(err, idperrors.CodeForbidden, "invalid CSRF token")
	}

	result := s.verifier.Validate(ctx, username, password)
	if !result.Valid {
		s.logger.Info("login rejected", "reason", string(result.Reason))
		return result, nil
	}

	var oldToken string
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		oldToken = cookie.Value
	}

	_, token, err := s.sessions.RotateSession(ctx, oldToken, result.User, r.UserAgent(), clientIP(r))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create session: %w", err)
	}

	s.sessions.SetSessionCookie(w, token)
	s.csrf.ClearToken(w)

	s.logger.Info("user logged in", "user_id", result.User.ID, "username", result.User.Username)

	return result, nil
}

// CurrentSession returns the session and a user principal for the request.
// The account is re-checked on every call, so a user disabled mid-session
// loses the session on the next request.
func (s *Service) CurrentSession(ctx context.Context, r *http.Request) (*domain.Session, *principal.Principal, error) {
	session, err := s.sessions.GetSessionFromRequest(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	user, err := s.directory.GetByID(ctx, session.UserID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			_ = s.sessions.sessions.Delete(ctx, session.ID)
			return nil, nil, idperrors.Unauthorized("account no longer exists")
		}
		return nil, nil, idperrors.Unavailable("user directory unavailable", err)
	}

	if reason := s.verifier.CheckAccount(user); reason != ReasonNone {
		_ = s.sessions.sessions.Delete(ctx, session.ID)
		s.logger.Warn("session dropped for inactive account", "user_id", user.ID, "reason", string(reason))
		return nil, nil, idperrors.Unauthorized("account is " + string(reason))
	}

	return session, SessionPrincipal(session), nil
}

// SessionPrincipal converts a session into a request principal.
func SessionPrincipal(session *domain.Session) *principal.Principal {
	return &principal.Principal{
		Kind:        principal.KindUser,
		Subject:     session.UserID,
		UserID:      session.UserID,
		Username:    session.Username,
		Authorities: session.Authorities,
	}
}

// Invalidate deletes the request's session if there is one and expires the
// cookies. The returned request has no principal or session bound, so the
// rest of the handler cannot act on the old identity. The bool reports
// whether a session cookie was present.
func (s *Service) Invalidate(w http.ResponseWriter, r *http.Request) (*http.Request, bool) {
	ctx := r.Context()

	found := false
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		found = true
		if err := s.sessions.DeleteSession(ctx, cookie.Value); err != nil && !idperrors.IsCode(err, idperrors.CodeNotFound) {
			s.logger.Warn("failed to delete session", "error", err)
		}
	}

	s.sessions.ClearSessionCookie(w)
	s.csrf.ClearToken(w)

	return r.WithContext(clearSession(ctx)), found
}

// Middleware binds the session principal to the request context. Requests
// without a usable session, or that already carry a principal, pass through
// unchanged.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal.Authenticated(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		if _, err := r.Cookie(SessionCookieName); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		session, p, err := s.CurrentSession(r.Context(), r)
		if err != nil {
			if idperrors.IsCode(err, idperrors.CodeServiceUnavailable) {
				s.logger.Warn("session check failed", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}

		ctx := principal.With(r.Context(), p)
		ctx = context.WithValue(ctx, sessionKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sessionKey struct{}

// SessionFrom returns the session bound by Middleware.
func SessionFrom(ctx context.Context) (*domain.Session, bool) {
	session, ok := ctx.Value(sessionKey{}).(*domain.Session)
	if !ok || session == nil {
		return nil, false
	}
	return session, true
}

func clearSession(ctx context.Context) context.Context {
	ctx = principal.Clear(ctx)
	return context.WithValue(ctx, sessionKey{}, (*domain.Session)(nil))
}
