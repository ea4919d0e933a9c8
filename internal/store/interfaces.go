// Package store defines repository interfaces for persistence.
package store

import (
	"context"
	"strings"

	"github.com/tendant/dealer-sso/internal/domain"
)

// UserFilter narrows List results. Zero fields do not filter.
type UserFilter struct {
	UsernamePrefix string
	Enabled        *bool
	Role           string
	Limit          int
}

// Matches reports whether u passes the filter. Backends without query
// support filter in memory with it.
func (f UserFilter) Matches(u *domain.User) bool {
	if !strings.HasPrefix(u.Username, f.UsernamePrefix) {
		return false
	}
	if f.Enabled != nil && u.Enabled != *f.Enabled {
		return false
	}
	if f.Role != "" && !u.HasRole(f.Role) {
		return false
	}
	return true
}

// UserRepository defines operations for user persistence.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter UserFilter) ([]*domain.User, error)
}

// ClientRepository defines operations for OAuth client persistence.
type ClientRepository interface {
	// Create fails with CodeAlreadyExists when the client id is taken.
	Create(ctx context.Context, client *domain.Client) error
	GetByID(ctx context.Context, id string) (*domain.Client, error)
	Update(ctx context.Context, client *domain.Client) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Client, error)
}

// ConsentRepository persists per-(client, principal) consent grants.
type ConsentRepository interface {
	Get(ctx context.Context, clientID, principal string) (*domain.Consent, error)
	// Save creates or replaces the consent for its (client, principal) key.
	Save(ctx context.Context, consent *domain.Consent) error
	Delete(ctx context.Context, clientID, principal string) error
	ListByPrincipal(ctx context.Context, principal string) ([]*domain.Consent, error)
}

// SessionRepository defines operations for session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context) error
}

// AuthCodeRepository defines operations for authorization code persistence.
type AuthCodeRepository interface {
	Create(ctx context.Context, code *domain.AuthCode) error
	GetByCode(ctx context.Context, code string) (*domain.AuthCode, error)
	// Consume atomically marks an unused code as used and returns it.
	// A code that was already used is returned together with a
	// CodeReplayed error so the caller can revoke its grant.
	Consume(ctx context.Context, code string) (*domain.AuthCode, error)
	Delete(ctx context.Context, code string) error
	DeleteExpired(ctx context.Context) error
}

// TokenRepository defines operations for refresh token persistence.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.Token) error
	GetByID(ctx context.Context, id string) (*domain.Token, error)
	// Rotate atomically revokes oldID and stores next. It fails with
	// CodeReplayed if oldID was already revoked.
	Rotate(ctx context.Context, oldID string, next *domain.Token) error
	Revoke(ctx context.Context, id string) error
	RevokeByUserID(ctx context.Context, userID string) error
	RevokeByClientID(ctx context.Context, clientID string) error
	RevokeByGrantID(ctx context.Context, grantID string) error
	DeleteExpired(ctx context.Context) error
}

// Store aggregates all repositories.
type Store interface {
	Users() UserRepository
	Clients() ClientRepository
	Consents() ConsentRepository
	Sessions() SessionRepository
	AuthCodes() AuthCodeRepository
	Tokens() TokenRepository
	Close() error
}
