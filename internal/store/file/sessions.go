package file

import (
	"context"
	"time"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// Session Repository

type sessionRepository struct {
	c collection[*domain.Session]
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	return r.c.update(func(sessions []*domain.Session) ([]*domain.Session, error) {
		if session.CreatedAt.IsZero() {
			session.CreatedAt = time.Now().UTC()
		}
		return append(sessions, session), nil
	})
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	s, ok, err := r.c.find(func(s *domain.Session) bool { return s.ID == id })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("session", "")
	}
	return s, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	found, err := r.c.remove(func(s *domain.Session) bool { return s.ID == id })
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("session", "")
	}
	return nil
}

func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID string) error {
	return r.c.removeAll(func(s *domain.Session) bool { return s.UserID == userID })
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	now := time.Now()
	return r.c.removeAll(func(s *domain.Session) bool { return !s.ExpiresAt.After(now) })
}
