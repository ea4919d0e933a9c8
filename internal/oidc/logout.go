package oidc

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// LogoutRequest is an RP-initiated logout request.
type LogoutRequest struct {
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// LogoutResult says where to send the browser after the session is gone.
// RedirectURI is empty when the client gave no usable target.
type LogoutResult struct {
	Subject     string
	ClientID    string
	SessionID   string
	RedirectURI string
}

// LogoutService validates RP-initiated logout requests.
type LogoutService struct {
	registry  *ClientRegistry
	generator *crypto.TokenGenerator
}

// NewLogoutService creates a LogoutService.
func NewLogoutService(registry *ClientRegistry, generator *crypto.TokenGenerator) *LogoutService {
	return &LogoutService{registry: registry, generator: generator}
}

// ParseLogoutRequest reads the parameters from the query or, on POST, the form.
func ParseLogoutRequest(r *http.Request) (*LogoutRequest, error) {
	values := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, idperrors.InvalidInput("invalid form data")
		}
		values = r.PostForm
	}
	return &LogoutRequest{
		IDTokenHint:           values.Get("id_token_hint"),
		ClientID:              values.Get("client_id"),
		PostLogoutRedirectURI: values.Get("post_logout_redirect_uri"),
		State:                 values.Get("state"),
	}, nil
}

// Validate checks the id_token_hint signature, ignoring expiry since the
// hint is usually stale by logout time, and resolves the redirect against
// the client's registered post-logout URIs.
func (s *LogoutService) Validate(ctx context.Context, req *LogoutRequest) (*LogoutResult, error) {
	result := &LogoutResult{ClientID: req.ClientID}

	if req.IDTokenHint != "" {
		claims, err := s.generator.Parse(ctx, req.IDTokenHint, crypto.IgnoreExpiry())
		if err != nil {
			return nil, idperrors.InvalidInput("invalid id_token_hint")
		}
		if len(claims.Audience) == 0 {
			return nil, idperrors.InvalidInput("id_token_hint has no audience")
		}
		aud := claims.Audience[0]
		if result.ClientID != "" && result.ClientID != aud {
			return nil, idperrors.InvalidInput("client_id does not match id_token_hint")
		}
		result.ClientID = aud
		result.Subject = claims.Subject
		result.SessionID = claims.SessionID
	}

	if req.PostLogoutRedirectURI == "" {
		return result, nil
	}
	if result.ClientID == "" {
		return nil, idperrors.InvalidInput("post_logout_redirect_uri requires id_token_hint or client_id")
	}

	client, err := s.registry.FindByClientID(ctx, result.ClientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidInput("unknown client_id")
		}
		return nil, err
	}
	if !client.AllowsPostLogoutRedirect(req.PostLogoutRedirectURI) {
		return nil, idperrors.InvalidInput("post_logout_redirect_uri is not registered")
	}

	target, err := url.Parse(req.PostLogoutRedirectURI)
	if err != nil {
		return nil, idperrors.InvalidInput("invalid post_logout_redirect_uri")
	}
	if req.State != "" {
		q := target.Query()
		q.Set("state", req.State)
		target.RawQuery = q.Encode()
	}
	result.RedirectURI = target.String()
	return result, nil
}
