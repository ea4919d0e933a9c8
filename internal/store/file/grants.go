package file

import (
	"context"
	"time"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// Consent Repository

type consentRepository struct {
	c collection[*domain.Consent]
}

func consentKey(clientID, principal string) func(*domain.Consent) bool {
	return func(c *domain.Consent) bool {
		return c.ClientID == clientID && c.Principal == principal
	}
}

func (r *consentRepository) Get(ctx context.Context, clientID, principal string) (*domain.Consent, error) {
	c, ok, err := r.c.find(consentKey(clientID, principal))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("consent", clientID+"/"+principal)
	}
	return c, nil
}

func (r *consentRepository) Save(ctx context.Context, consent *domain.Consent) error {
	return r.c.update(func(consents []*domain.Consent) ([]*domain.Consent, error) {
		now := time.Now().UTC()
		consent.UpdatedAt = now
		match := consentKey(consent.ClientID, consent.Principal)
		for i, c := range consents {
			if match(c) {
				consent.CreatedAt = c.CreatedAt
				consents[i] = consent
				return consents, nil
			}
		}
		consent.CreatedAt = now
		return append(consents, consent), nil
	})
}

func (r *consentRepository) Delete(ctx context.Context, clientID, principal string) error {
	found, err := r.c.remove(consentKey(clientID, principal))
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("consent", clientID+"/"+principal)
	}
	return nil
}

func (r *consentRepository) ListByPrincipal(ctx context.Context, principal string) ([]*domain.Consent, error) {
	return r.c.filter(func(c *domain.Consent) bool { return c.Principal == principal })
}

// AuthCode Repository

type authCodeRepository struct {
	c collection[*domain.AuthCode]
}

func (r *authCodeRepository) Create(ctx context.Context, code *domain.AuthCode) error {
	return r.c.update(func(codes []*domain.AuthCode) ([]*domain.AuthCode, error) {
		for _, ac := range codes {
			if ac.Code == code.Code {
				return nil, idperrors.AlreadyExists("auth code", "")
			}
		}
		if code.CreatedAt.IsZero() {
			code.CreatedAt = time.Now().UTC()
		}
		return append(codes, code), nil
	})
}

func (r *authCodeRepository) GetByCode(ctx context.Context, code string) (*domain.AuthCode, error) {
	ac, ok, err := r.c.find(func(ac *domain.AuthCode) bool { return ac.Code == code })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("auth code", "")
	}
	return ac, nil
}

func (r *authCodeRepository) Consume(ctx context.Context, code string) (*domain.AuthCode, error) {
	var consumed *domain.AuthCode
	var replayed bool
	err := r.c.update(func(codes []*domain.AuthCode) ([]*domain.AuthCode, error) {
		for _, ac := range codes {
			if ac.Code != code {
				continue
			}
			if ac.Used {
				replayed = true
			}
			ac.Used = true
			consumed = ac
			return codes, nil
		}
		return nil, idperrors.NotFound("auth code", "")
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		return consumed, idperrors.Replayed("authorization code already used")
	}
	return consumed, nil
}

func (r *authCodeRepository) Delete(ctx context.Context, code string) error {
	found, err := r.c.remove(func(ac *domain.AuthCode) bool { return ac.Code == code })
	if err != nil {
		return err
	}
	if !found {
		return idperrors.NotFound("auth code", "")
	}
	return nil
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) error {
	now := time.Now()
	return r.c.removeAll(func(ac *domain.AuthCode) bool { return !ac.ExpiresAt.After(now) })
}

// Token Repository

type tokenRepository struct {
	c collection[*domain.Token]
}

func (r *tokenRepository) Create(ctx context.Context, token *domain.Token) error {
	return r.c.update(func(tokens []*domain.Token) ([]*domain.Token, error) {
		if token.CreatedAt.IsZero() {
			token.CreatedAt = time.Now().UTC()
		}
		return append(tokens, token), nil
	})
}

func (r *tokenRepository) GetByID(ctx context.Context, id string) (*domain.Token, error) {
	t, ok, err := r.c.find(func(t *domain.Token) bool { return t.ID == id })
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, idperrors.NotFound("token", "")
	}
	return t, nil
}

func (r *tokenRepository) Rotate(ctx context.Context, oldID string, next *domain.Token) error {
	return r.c.update(func(tokens []*domain.Token) ([]*domain.Token, error) {
		for _, t := range tokens {
			if t.ID != oldID {
				continue
			}
			if t.Revoked {
				return nil, idperrors.Replayed("refresh token already used")
			}
			t.Revoked = true
			if next.CreatedAt.IsZero() {
				next.CreatedAt = time.Now().UTC()
			}
			return append(tokens, next), nil
		}
		return nil, idperrors.NotFound("token", "")
	})
}

func (r *tokenRepository) Revoke(ctx context.Context, id string) error {
	return r.c.update(func(tokens []*domain.Token) ([]*domain.Token, error) {
		for _, t := range tokens {
			if t.ID == id {
				t.Revoked = true
				return tokens, nil
			}
		}
		return nil, idperrors.NotFound("token", "")
	})
}

func (r *tokenRepository) revokeWhere(pred func(*domain.Token) bool) error {
	return r.c.update(func(tokens []*domain.Token) ([]*domain.Token, error) {
		for _, t := range tokens {
			if pred(t) {
				t.Revoked = true
			}
		}
		return tokens, nil
	})
}

func (r *tokenRepository) RevokeByUserID(ctx context.Context, userID string) error {
	return r.revokeWhere(func(t *domain.Token) bool { return t.UserID == userID })
}

func (r *tokenRepository) RevokeByClientID(ctx context.Context, clientID string) error {
	return r.revokeWhere(func(t *domain.Token) bool { return t.ClientID == clientID })
}

func (r *tokenRepository) RevokeByGrantID(ctx context.Context, grantID string) error {
	return r.revokeWhere(func(t *domain.Token) bool { return t.GrantID == grantID })
}

func (r *tokenRepository) DeleteExpired(ctx context.Context) error {
	now := time.Now()
	return r.c.removeAll(func(t *domain.Token) bool { return !t.ExpiresAt.After(now) })
}
