// Package http serves the authorization server: login UI, OIDC endpoints,
// discovery, JWKS and logout.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/respond"
	"github.com/tendant/dealer-sso/internal/server"
)

// Routes holds the handlers mounted on the authorization server router.
type Routes struct {
	Auth      *auth.Service
	Login     *LoginHandler
	Logout    *LogoutHandler
	OIDC      *OIDCHandler
	Discovery *DiscoveryHandler
	JWKS      *JWKSHandler

	// LoginRateLimit caps credential submissions per client IP per minute.
	// Zero disables the limit.
	LoginRateLimit int
}

// Mount registers the authorization server endpoints on r.
func (rt *Routes) Mount(r chi.Router) {
	// Machine endpoints carry no browser session.
	r.Get("/.well-known/openid-configuration", rt.Discovery.OpenIDConfiguration)
	r.Get("/oauth2/jwks", rt.JWKS.JWKS)
	r.Post("/oauth2/token", rt.OIDC.Token)
	r.Post("/oauth2/revoke", rt.OIDC.Revoke)
	r.Post("/oauth2/introspect", rt.OIDC.Introspect)
	r.Get("/userinfo", rt.OIDC.UserInfo)
	r.Post("/userinfo", rt.OIDC.UserInfo)
	r.With(rt.limit("validate-credentials")).Post("/api/validate-credentials", rt.Login.ValidateCredentials)

	r.Group(func(r chi.Router) {
		r.Use(server.SecurityHeadersMiddleware(server.LoginPageSecurityHeaders()))
		r.Use(rt.Auth.Middleware)

		r.Get("/", rt.Login.Root)
		r.Get("/login", rt.Login.LoginPage)
		r.With(rt.limit("login")).Post("/login", rt.Login.Login)
		r.Post("/logout", rt.Login.Logout)

		r.Get("/sso-logout", rt.Logout.SSOLogout)
		r.Get("/connect/logout", rt.Logout.ConnectLogout)
		r.Post("/connect/logout", rt.Logout.ConnectLogout)

		r.Get("/oauth2/authorize", rt.OIDC.Authorize)
		r.Post("/oauth2/authorize", rt.OIDC.Authorize)
		r.Post("/oauth2/consent", rt.OIDC.Consent)
	})
}

func (rt *Routes) limit(endpoint string) func(http.Handler) http.Handler {
	if rt.LoginRateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(rt.LoginRateLimit, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimitExceeded(endpoint)
			respond.Status(w, r, http.StatusTooManyRequests, "too many requests, retry later")
		}),
	)
}
