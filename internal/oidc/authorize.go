// Package oidc implements the OAuth 2.0 and OpenID Connect flows of the
// authorization server: client registry, consent, authorization codes,
// token issuance, userinfo and RP-initiated logout.
package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/domain"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/store"
)

// PKCE methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// AuthorizeRequest represents a parsed authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Scopes returns the requested scopes.
func (r *AuthorizeRequest) Scopes() []string {
	return strings.Fields(r.Scope)
}

// Values encodes the request as authorize parameters, used to re-post it
// from the consent page and to resume it after login.
func (r *AuthorizeRequest) Values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("response_type", r.ResponseType)
	set("scope", r.Scope)
	set("state", r.State)
	set("nonce", r.Nonce)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	return v
}

// RedirectError is an authorization error that may be reported to the
// client's redirect URI because client and redirect URI were already
// validated.
type RedirectError struct {
	RedirectURI string
	State       string
	Code        string
	Description string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Location returns the redirect carrying the error.
func (e *RedirectError) Location() string {
	return BuildErrorResponse(e.RedirectURI, e.Code, e.Description, e.State)
}

// AuthorizeService handles authorization requests.
type AuthorizeService struct {
	registry  *ClientRegistry
	authCodes store.AuthCodeRepository
	codeTTL   time.Duration
}

// NewAuthorizeService creates a new AuthorizeService.
func NewAuthorizeService(registry *ClientRegistry, authCodes store.AuthCodeRepository, codeTTL time.Duration) *AuthorizeService {
	if codeTTL <= 0 {
		codeTTL = DefaultAuthCodeTTL
	}
	return &AuthorizeService{
		registry:  registry,
		authCodes: authCodes,
		codeTTL:   codeTTL,
	}
}

// ParseAuthorizeRequest reads the authorization parameters from the query,
// or from the form on POST.
func ParseAuthorizeRequest(r *http.Request) (*AuthorizeRequest, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, idperrors.InvalidInput("invalid form data")
		}
	}
	get := func(k string) string {
		if r.Method == http.MethodPost {
			return r.PostFormValue(k)
		}
		return r.URL.Query().Get(k)
	}

	req := &AuthorizeRequest{
		ClientID:            get("client_id"),
		RedirectURI:         get("redirect_uri"),
		ResponseType:        get("response_type"),
		Scope:               strings.Join(strings.Fields(get("scope")), " "),
		State:               get("state"),
		Nonce:               get("nonce"),
		CodeChallenge:       get("code_challenge"),
		CodeChallengeMethod: get("code_challenge_method"),
	}

	if req.ClientID == "" {
		return nil, idperrors.InvalidInput("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, idperrors.InvalidInput("redirect_uri is required")
	}
	return req, nil
}

// ValidateClient validates the client and redirect URI, then the remaining
// parameters. Errors found before the redirect URI is trusted are coded
// errors to render locally; later ones are *RedirectError.
func (s *AuthorizeService) ValidateClient(ctx context.Context, req *AuthorizeRequest) (*domain.Client, error) {
	client, err := s.registry.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.InvalidInput("unknown client_id")
		}
		return nil, err
	}

	// Exact match only
	if !client.AllowsRedirect(req.RedirectURI) {
		return nil, idperrors.InvalidInput("invalid redirect_uri")
	}

	fail := func(code, desc string) (*domain.Client, error) {
		return nil, &RedirectError{RedirectURI: req.RedirectURI, State: req.State, Code: code, Description: desc}
	}

	if req.ResponseType != "code" {
		return fail("unsupported_response_type", "response_type must be 'code'")
	}
	if !client.AllowsGrant(domain.GrantAuthorizationCode) {
		return fail("unauthorized_client", "client may not use the authorization code grant")
	}
	if !slices.Contains(req.Scopes(), "openid") {
		return fail("invalid_scope", "scope must contain 'openid'")
	}
	for _, scope := range req.Scopes() {
		if !slices.Contains(client.Scopes, scope) {
			return fail("invalid_scope", fmt.Sprintf("scope '%s' not allowed for this client", scope))
		}
	}

	if client.PKCERequired() && req.CodeChallenge == "" {
		return fail("invalid_request", "code_challenge is required for this client")
	}
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod == "" {
			req.CodeChallengeMethod = PKCEMethodPlain // Default per RFC 7636
		}
		if req.CodeChallengeMethod != PKCEMethodS256 && req.CodeChallengeMethod != PKCEMethodPlain {
			return fail("invalid_request", "code_challenge_method must be 'S256' or 'plain'")
		}
	}

	return client, nil
}

// CreateAuthCode issues a code for the session's user. The returned string
// is the code handed to the client; only its hash is stored.
func (s *AuthorizeService) CreateAuthCode(ctx context.Context, req *AuthorizeRequest, session *domain.Session) (string, error) {
	value, err := crypto.NewOpaqueToken()
	if err != nil {
		return "", idperrors.Internal("failed to generate code", err)
	}

	now := time.Now().UTC()
	code := &domain.AuthCode{
		Code:                crypto.HashOpaque(value),
		ClientID:            req.ClientID,
		UserID:              session.UserID,
		SessionID:           session.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            session.CreatedAt,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTTL),
	}
	if err := s.authCodes.Create(ctx, code); err != nil {
		return "", fmt.Errorf("failed to create auth code: %w", err)
	}
	return value, nil
}

// BuildAuthorizationResponse builds the redirect URL with the authorization code.
func BuildAuthorizationResponse(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildErrorResponse builds the redirect URL with an error.
func BuildErrorResponse(redirectURI, errorCode, errorDescription, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("error", errorCode)
	if errorDescription != "" {
		q.Set("error_description", errorDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ValidateCodeVerifier validates the PKCE code verifier against the stored challenge.
func ValidateCodeVerifier(codeVerifier, codeChallenge, codeChallengeMethod string) bool {
	if codeChallenge == "" {
		// No PKCE was used
		return codeVerifier == ""
	}
	if codeVerifier == "" {
		return false
	}

	switch codeChallengeMethod {
	case PKCEMethodPlain:
		return subtle.ConstantTimeCompare([]byte(codeVerifier), []byte(codeChallenge)) == 1
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(codeVerifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(codeChallenge)) == 1
	default:
		return false
	}
}
