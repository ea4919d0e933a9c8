package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// SessionCookieName is the name of the session cookie.
const SessionCookieName = "AUTH_SESSION"

// SessionService manages server-side browser sessions. The cookie carries an
// opaque value; the repository only ever sees its hash.
type SessionService struct {
	sessions     store.SessionRepository
	cookieSecure bool
	cookieDomain string
	sessionTTL   time.Duration
}

// SessionServiceOption configures the SessionService.
type SessionServiceOption func(*SessionService)

// WithCookieSecure sets whether cookies should be secure (HTTPS only).
func WithCookieSecure(secure bool) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieSecure = secure
	}
}

// WithCookieDomain sets the cookie domain.
func WithCookieDomain(domain string) SessionServiceOption {
	return func(s *SessionService) {
		s.cookieDomain = domain
	}
}

// WithSessionTTL sets the session duration.
func WithSessionTTL(ttl time.Duration) SessionServiceOption {
	return func(s *SessionService) {
		s.sessionTTL = ttl
	}
}

// NewSessionService creates a new SessionService.
func NewSessionService(sessions store.SessionRepository, opts ...SessionServiceOption) *SessionService {
	s := &SessionService{
		sessions:   sessions,
		sessionTTL: 8 * time.Hour,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// TTL returns the configured session lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.sessionTTL
}

// CreateSession creates a session for user and returns it with the cookie value.
func (s *SessionService) CreateSession(ctx context.Context, user *domain.User, userAgent, ipAddress string) (*domain.Session, string, error) {
	token, err := crypto.NewOpaqueToken()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now().UTC()
	session := &domain.Session{
		ID:          crypto.HashOpaque(token),
		UserID:      user.ID,
		Username:    user.Username,
		Authorities: user.Authorities(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.sessionTTL),
		UserAgent:   userAgent,
		IPAddress:   ipAddress,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	return session, token, nil
}

// GetSession retrieves a session by cookie value.
func (s *SessionService) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	id := crypto.HashOpaque(token)
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if session.IsExpired() {
		_ = s.sessions.Delete(ctx, id)
		return nil, idperrors.New(idperrors.CodeSessionExpired, "session expired")
	}

	return session, nil
}

// DeleteSession deletes the session behind a cookie value.
func (s *SessionService) DeleteSession(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, crypto.HashOpaque(token))
}

// DeleteUserSessions deletes all sessions for a user.
func (s *SessionService) DeleteUserSessions(ctx context.Context, userID string) error {
	return s.sessions.DeleteByUserID(ctx, userID)
}

// SetSessionCookie sets the session cookie on the response.
func (s *SessionService) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, s.cookie(token, int(s.sessionTTL.Seconds())))
}

// ClearSessionCookie expires the session cookie.
func (s *SessionService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

func (s *SessionService) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// GetSessionFromRequest retrieves the session from request cookies.
func (s *SessionService) GetSessionFromRequest(ctx context.Context, r *http.Request) (*domain.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, idperrors.New(idperrors.CodeUnauthorized, "no session cookie")
	}

	return s.GetSession(ctx, cookie.Value)
}

// RotateSession creates a new session and invalidates the old one.
// Called on every login so a pre-login cookie value is never promoted.
func (s *SessionService) RotateSession(ctx context.Context, oldToken string, user *domain.User, userAgent, ipAddress string) (*domain.Session, string, error) {
	if oldToken != "" {
		_ = s.sessions.Delete(ctx, crypto.HashOpaque(oldToken))
	}

	return s.CreateSession(ctx, user, userAgent, ipAddress)
}
