// Package gateway is the edge reverse proxy: OIDC login against the
// authorization server, claims propagation to upstreams through X-User-ID,
// and session token relay.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/dealer-sso/internal/respond"
)

// Routes holds the handlers mounted on the gateway router.
type Routes struct {
	Propagator *Propagator
	Login      *Login
	Proxy      *Proxy
	Logger     *slog.Logger
}

// Mount registers the gateway endpoints on r. Anything not matched here is
// proxied.
func (rt *Routes) Mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(rt.Propagator.Middleware)

		r.Get("/oauth2/authorization/idp", rt.Login.Start)
		r.Get("/login/oauth2/code/idp", rt.Login.Callback)
		r.Get("/logout", rt.Login.Logout)
		r.Post("/logout", rt.Login.Logout)
		r.Get("/api/me", rt.me)

		r.With(rt.Login.Relay).Handle("/*", rt.Proxy)
	})
}

// Me is the /api/me response.
type Me struct {
	Authenticated bool `json:"authenticated"`
	*Identity
}

func (rt *Routes) me(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	if id == nil {
		id = &Identity{Source: SourceAnonymous}
	}
	respond.JSON(w, http.StatusOK, Me{Authenticated: !id.Anonymous(), Identity: id})
}
