package oidc

import (
	"context"
	"slices"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// ConsentService records which scopes a principal approved for a client.
type ConsentService struct {
	consents store.ConsentRepository
}

// NewConsentService creates a ConsentService.
func NewConsentService(consents store.ConsentRepository) *ConsentService {
	return &ConsentService{consents: consents}
}

// Required reports whether the consent screen must be shown. It is false when
// the client does not ask for consent, or when every requested scope other
// than openid was already granted.
func (s *ConsentService) Required(ctx context.Context, client *domain.Client, principal string, scopes []string) (bool, error) {
	if !client.RequireConsent {
		return false, nil
	}

	consent, err := s.consents.Get(ctx, client.ID, principal)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return true, nil
		}
		return false, err
	}
	return !consent.Covers(withoutOpenID(scopes)), nil
}

// Grant merges scopes into the principal's consent for client.
func (s *ConsentService) Grant(ctx context.Context, client *domain.Client, principal string, scopes []string) error {
	consent, err := s.consents.Get(ctx, client.ID, principal)
	switch {
	case err == nil:
	case idperrors.IsCode(err, idperrors.CodeNotFound):
		consent = &domain.Consent{ClientID: client.ID, Principal: principal}
	default:
		return err
	}

	for _, scope := range scopes {
		if scope != "" && !slices.Contains(consent.Scopes, scope) {
			consent.Scopes = append(consent.Scopes, scope)
		}
	}
	return s.consents.Save(ctx, consent)
}

// Revoke deletes the consent. Revoking a missing consent is not an error.
func (s *ConsentService) Revoke(ctx context.Context, clientID, principal string) error {
	err := s.consents.Delete(ctx, clientID, principal)
	if idperrors.IsCode(err, idperrors.CodeNotFound) {
		return nil
	}
	return err
}

// List returns every consent the principal has given.
func (s *ConsentService) List(ctx context.Context, principal string) ([]*domain.Consent, error) {
	return s.consents.ListByPrincipal(ctx, principal)
}

func withoutOpenID(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "openid" && s != "" {
			out = append(out, s)
		}
	}
	return out
}
