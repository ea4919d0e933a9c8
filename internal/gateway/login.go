package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/respond"
)

// OIDCConfig configures the gateway as an OIDC relying party.
type OIDCConfig struct {
	IssuerURL      string
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Scopes         []string
	FrontendOrigin string
	// HTTPClient is used for discovery, exchange and refresh when set.
	HTTPClient *http.Client
}

// Login runs the authorization code flow against the authorization server
// and relays session tokens to upstreams.
type Login struct {
	cfg      OIDCConfig
	frontend *url.URL
	sessions *Sessions
	logger   *slog.Logger

	mu         sync.Mutex
	oauth      *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	endSession string

	// refresh runs one token refresh per session at a time. Refresh tokens
	// rotate, so a reused one would revoke the whole family.
	refresh singleflight.Group
}

// NewLogin creates a Login. Discovery happens on first use so the gateway
// can start before the authorization server.
func NewLogin(cfg OIDCConfig, sessions *Sessions, logger *slog.Logger) (*Login, error) {
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, errors.New("issuer URL and client id are required")
	}
	frontend, err := url.Parse(strings.TrimRight(cfg.FrontendOrigin, "/"))
	if err != nil || frontend.Scheme == "" || frontend.Host == "" {
		return nil, fmt.Errorf("frontend origin must be an absolute URL: %q", cfg.FrontendOrigin)
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{oidc.ScopeOpenID}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Login{cfg: cfg, frontend: frontend, sessions: sessions, logger: logger}, nil
}

func (l *Login) context(ctx context.Context) context.Context {
	if l.cfg.HTTPClient == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, l.cfg.HTTPClient)
}

// discover loads the provider metadata once. A failure is retried on the
// next call.
func (l *Login) discover(ctx context.Context) (*oauth2.Config, *oidc.IDTokenVerifier, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.oauth != nil {
		return l.oauth, l.verifier, nil
	}

	provider, err := oidc.NewProvider(l.context(ctx), l.cfg.IssuerURL)
	if err != nil {
		return nil, nil, idperrors.Unavailable("identity provider unavailable", err)
	}
	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		l.logger.Warn("failed to read provider metadata", "error", err)
	}

	l.oauth = &oauth2.Config{
		ClientID:     l.cfg.ClientID,
		ClientSecret: l.cfg.ClientSecret,
		RedirectURL:  l.cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       l.cfg.Scopes,
	}
	l.verifier = provider.Verifier(&oidc.Config{ClientID: l.cfg.ClientID})
	l.endSession = meta.EndSession
	return l.oauth, l.verifier, nil
}

// Start redirects the browser to the authorization endpoint.
func (l *Login) Start(w http.ResponseWriter, r *http.Request) {
	oauthCfg, _, err := l.discover(r.Context())
	if err != nil {
		respond.Error(w, r, l.logger, err)
		return
	}

	state, err := crypto.NewOpaqueToken()
	if err != nil {
		respond.Error(w, r, l.logger, idperrors.Internal("failed to generate state", err))
		return
	}
	nonce, err := crypto.NewOpaqueToken()
	if err != nil {
		respond.Error(w, r, l.logger, idperrors.Internal("failed to generate nonce", err))
		return
	}
	verifier := oauth2.GenerateVerifier()

	returnTo := r.URL.Query().Get("return_to")
	if !isRelativePath(returnTo) {
		returnTo = "/"
	}

	if err := l.sessions.SavePending(w, r, Pending{
		State: state, Nonce: nonce, Verifier: verifier, ReturnTo: returnTo,
	}); err != nil {
		respond.Error(w, r, l.logger, idperrors.Internal("failed to save session", err))
		return
	}

	http.Redirect(w, r, oauthCfg.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

// Callback completes the code exchange and stores the login.
func (l *Login) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		l.logger.Warn("authorization failed at provider", "error", e, "description", q.Get("error_description"))
		respond.Error(w, r, l.logger, idperrors.Unauthorized("login was not completed"))
		return
	}

	pending := l.sessions.Pending(r)
	if pending.State == "" || subtle.ConstantTimeCompare([]byte(pending.State), []byte(q.Get("state"))) != 1 {
		respond.Error(w, r, l.logger, idperrors.InvalidInput("invalid login state"))
		return
	}

	oauthCfg, verifier, err := l.discover(r.Context())
	if err != nil {
		respond.Error(w, r, l.logger, err)
		return
	}

	ctx := l.context(r.Context())
	tok, err := oauthCfg.Exchange(ctx, q.Get("code"), oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			l.logger.Warn("code exchange rejected", "error", re.ErrorCode)
			respond.Error(w, r, l.logger, idperrors.Unauthorized("login was not completed"))
			return
		}
		respond.Error(w, r, l.logger, idperrors.Unavailable("identity provider unavailable", err))
		return
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		respond.Error(w, r, l.logger, idperrors.Unauthorized("provider returned no id token"))
		return
	}
	idToken, err := verifier.Verify(ctx, rawID)
	if err != nil {
		l.logger.Warn("id token rejected", "error", err)
		respond.Error(w, r, l.logger, idperrors.Unauthorized("invalid id token"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(pending.Nonce)) != 1 {
		respond.Error(w, r, l.logger, idperrors.Unauthorized("invalid id token"))
		return
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		respond.Error(w, r, l.logger, idperrors.Unauthorized("invalid id token"))
		return
	}
	userID, _ := userIDClaim(claims["userId"])
	username, _ := claims["preferred_username"].(string)

	if err := l.sessions.SaveLogin(w, r, LoginState{
		Subject:  idToken.Subject,
		UserID:   userID,
		Username: username,
		IDToken:  rawID,
		Token:    tok,
	}); err != nil {
		respond.Error(w, r, l.logger, idperrors.Internal("failed to save session", err))
		return
	}

	l.logger.Info("gateway login", "sub", idToken.Subject)
	http.Redirect(w, r, l.frontend.String()+pending.ReturnTo, http.StatusFound)
}

// Logout ends the gateway session and continues to the provider's
// end-session endpoint with the ID token as hint. Without a hint or an
// advertised endpoint it falls back to the authorization server's
// /sso-logout so the single sign-on session still ends.
func (l *Login) Logout(w http.ResponseWriter, r *http.Request) {
	idToken, err := l.sessions.Clear(w, r)
	if err != nil {
		l.logger.Warn("failed to clear gateway session", "error", err)
	}

	if idToken != "" {
		if _, _, err := l.discover(r.Context()); err == nil && l.endSession != "" {
			q := url.Values{}
			q.Set("client_id", l.cfg.ClientID)
			q.Set("post_logout_redirect_uri", l.frontend.String())
			q.Set("id_token_hint", idToken)
			http.Redirect(w, r, l.endSession+"?"+q.Encode(), http.StatusFound)
			return
		}
	}
	target := strings.TrimRight(l.cfg.IssuerURL, "/") + "/sso-logout?redirect_uri=" + url.QueryEscape(l.frontend.String())
	http.Redirect(w, r, target, http.StatusFound)
}

type relayKey struct{}

func relayToken(ctx context.Context) string {
	s, _ := ctx.Value(relayKey{}).(string)
	return s
}

// Relay attaches the session access token for upstream calls from session
// users that sent no Authorization header, refreshing it when expired.
func (l *Login) Relay(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if id == nil || id.Source != SourceSession || r.Header.Get("Authorization") != "" {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := l.sessions.Token(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if tok.Valid() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), relayKey{}, tok.AccessToken)))
			return
		}
		oauthCfg, _, err := l.discover(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		key := l.sessions.ID(r)
		if key == "" {
			key = "sub:" + id.Subject
		}
		v, err, _ := l.refresh.Do(key, func() (any, error) {
			current, ok := l.sessions.StoredToken(r)
			if !ok {
				current = tok
			}
			if current.Valid() {
				return current, nil
			}
			// The exchange outlives any one caller; followers share its result.
			ctx := l.context(context.WithoutCancel(r.Context()))
			fresh, err := oauthCfg.TokenSource(ctx, current).Token()
			if err != nil {
				return nil, err
			}
			if fresh.AccessToken != current.AccessToken {
				if err := l.sessions.SaveToken(w, r, fresh); err != nil {
					l.logger.Warn("failed to store refreshed token", "error", err)
				}
			}
			return fresh, nil
		})
		if err != nil {
			l.logger.Warn("session token refresh failed", "sub", id.Subject, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		fresh := v.(*oauth2.Token)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), relayKey{}, fresh.AccessToken)))
	})
}

func isRelativePath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, `/\`)
}
