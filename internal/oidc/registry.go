package oidc

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// Token lifetimes applied when a client does not set its own.
const (
	DefaultAccessTokenTTL  = 30 * time.Minute
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	DefaultAuthCodeTTL     = 10 * time.Minute
)

// dummySecretHash keeps AuthenticateClient's timing independent of whether a
// client id exists.
var dummySecretHash, _ = bcrypt.GenerateFromPassword([]byte("dealer-sso-client"), bcrypt.DefaultCost)

// ClientSpec describes a client to register. Secret is plaintext and is only
// ever hashed.
type ClientSpec struct {
	ID                     string
	Secret                 string
	Name                   string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	GrantTypes             []string
	Scopes                 []string
	RequireConsent         bool
	RequirePKCE            bool
	TokenSettings          domain.TokenSettings
}

// Public reports whether the client has no secret.
func (s ClientSpec) Public() bool {
	return s.Secret == ""
}

// Validate returns a field-to-message map describing every problem.
func (s ClientSpec) Validate() map[string]string {
	fields := make(map[string]string)
	if s.ID == "" {
		fields["id"] = "is required"
	}
	if len(s.RedirectURIs) == 0 {
		fields["redirect_uris"] = "at least one redirect URI is required"
	}
	for i, uri := range s.RedirectURIs {
		if msg := checkAbsoluteURI(uri); msg != "" {
			fields[fmt.Sprintf("redirect_uris[%d]", i)] = msg
		}
	}
	for i, uri := range s.PostLogoutRedirectURIs {
		if msg := checkAbsoluteURI(uri); msg != "" {
			fields[fmt.Sprintf("post_logout_redirect_uris[%d]", i)] = msg
		}
	}
	for i, g := range s.GrantTypes {
		if g != domain.GrantAuthorizationCode && g != domain.GrantRefreshToken {
			fields[fmt.Sprintf("grant_types[%d]", i)] = "unsupported grant type"
		}
	}
	if s.TokenSettings.AccessTokenTTL < 0 || s.TokenSettings.RefreshTokenTTL < 0 {
		fields["token_settings"] = "lifetimes must not be negative"
	}
	return fields
}

// checkAbsoluteURI rejects relative URIs, fragments and wildcards.
func checkAbsoluteURI(raw string) string {
	u, err := url.Parse(raw)
	switch {
	case err != nil:
		return "is not a valid URI"
	case u.Scheme == "" || u.Host == "":
		return "must be absolute"
	case u.Fragment != "":
		return "must not contain a fragment"
	case strings.Contains(raw, "*"):
		return "must not contain wildcards"
	}
	return ""
}

// NewClient validates spec, fills defaults and hashes the secret.
func NewClient(spec ClientSpec) (*domain.Client, error) {
	if err := idperrors.Invalid(spec.Validate()); err != nil {
		return nil, err
	}

	client := &domain.Client{
		ID:                     spec.ID,
		Name:                   spec.Name,
		RedirectURIs:           slices.Clone(spec.RedirectURIs),
		PostLogoutRedirectURIs: slices.Clone(spec.PostLogoutRedirectURIs),
		GrantTypes:             slices.Clone(spec.GrantTypes),
		Scopes:                 slices.Clone(spec.Scopes),
		Public:                 spec.Public(),
		RequireConsent:         spec.RequireConsent,
		RequirePKCE:            spec.RequirePKCE,
		TokenSettings:          spec.TokenSettings,
	}
	if client.Name == "" {
		client.Name = client.ID
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{domain.GrantAuthorizationCode, domain.GrantRefreshToken}
	}
	if len(client.Scopes) == 0 {
		client.Scopes = []string{"openid", "profile", "email"}
	}
	if client.TokenSettings.AccessTokenTTL == 0 {
		client.TokenSettings.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if client.TokenSettings.RefreshTokenTTL == 0 {
		client.TokenSettings.RefreshTokenTTL = DefaultRefreshTokenTTL
	}

	if client.Public {
		client.AuthMethod = domain.AuthMethodNone
		return client, nil
	}
	client.AuthMethod = domain.AuthMethodBasic
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, idperrors.Internal("failed to hash client secret", err)
	}
	client.SecretHash = string(hash)
	return client, nil
}

// ClientRegistry looks up and registers OAuth clients.
type ClientRegistry struct {
	clients store.ClientRepository
	logger  *slog.Logger
}

// RegistryOption configures the ClientRegistry.
type RegistryOption func(*ClientRegistry)

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *ClientRegistry) {
		r.logger = logger
	}
}

// NewClientRegistry creates a ClientRegistry.
func NewClientRegistry(clients store.ClientRepository, opts ...RegistryOption) *ClientRegistry {
	r := &ClientRegistry{
		clients: clients,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterIfAbsent creates the client unless one with the same id exists.
// It never updates an existing client. A concurrent registration that wins
// the race counts as already registered.
func (r *ClientRegistry) RegisterIfAbsent(ctx context.Context, spec ClientSpec) (bool, error) {
	if _, err := r.clients.GetByID(ctx, spec.ID); err == nil {
		r.logger.Info("client already registered", "client_id", spec.ID)
		return false, nil
	} else if !idperrors.IsCode(err, idperrors.CodeNotFound) {
		return false, err
	}

	client, err := NewClient(spec)
	if err != nil {
		return false, err
	}
	if err := r.clients.Create(ctx, client); err != nil {
		if idperrors.IsCode(err, idperrors.CodeAlreadyExists) {
			r.logger.Info("client already registered", "client_id", spec.ID)
			return false, nil
		}
		return false, err
	}

	r.logger.Info("client registered",
		"client_id", client.ID,
		"public", client.Public,
		"redirect_uris", client.RedirectURIs,
	)
	return true, nil
}

// FindByClientID returns the client or a CodeNotFound error.
func (r *ClientRegistry) FindByClientID(ctx context.Context, id string) (*domain.Client, error) {
	return r.clients.GetByID(ctx, id)
}

// AuthenticateClient checks client credentials. Public clients authenticate
// with their id alone and must not present a secret.
func (r *ClientRegistry) AuthenticateClient(ctx context.Context, id, secret string) (*domain.Client, error) {
	if id == "" {
		return nil, idperrors.Unauthorized("client authentication required")
	}

	client, err := r.clients.GetByID(ctx, id)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(secret))
			return nil, idperrors.Unauthorized("invalid client credentials")
		}
		return nil, err
	}

	if client.Public {
		if secret != "" {
			return nil, idperrors.Unauthorized("invalid client credentials")
		}
		return client, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		return nil, idperrors.Unauthorized("invalid client credentials")
	}
	return client, nil
}
