// Package service is the security shell shared by the downstream domain
// services: internal key trust, bearer token validation, the principal echo
// endpoint and cross-service party verification.
package service

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/dealer-sso/internal/directory"
	"github.com/tendant/dealer-sso/internal/peer"
	"github.com/tendant/dealer-sso/internal/principal"
	"github.com/tendant/dealer-sso/internal/resource"
	"github.com/tendant/dealer-sso/internal/respond"
	"github.com/tendant/dealer-sso/internal/store"
	"github.com/tendant/dealer-sso/internal/trust"
)

// Service names.
const (
	User         = "user"
	Client       = "client"
	Vehicle      = "vehicle"
	PurchaseSale = "purchase_sale"
)

// Segment returns the API path segment of a service:
// purchase_sale becomes purchase-sales, vehicle becomes vehicles.
func Segment(name string) string {
	return strings.ReplaceAll(name, "_", "-") + "s"
}

// Routes holds what a domain service mounts.
type Routes struct {
	Name      string
	Trust     *trust.Filter
	Validator *resource.Validator
	Logger    *slog.Logger

	// Peers is required for purchase_sale.
	Peers *peer.Client
	// Users backs the user service's directory and lookup endpoints.
	Users store.UserRepository
}

// Mount registers the service endpoints on r. Bearer validation runs first;
// the internal key only applies to requests that carry no end-user token.
func (rt *Routes) Mount(r chi.Router) {
	logger := rt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Group(func(r chi.Router) {
		r.Use(resource.Authenticate(rt.Validator, logger))
		r.Use(rt.Trust.Middleware)

		base := "/api/" + Segment(rt.Name)
		r.With(resource.RequireAuthenticated).Get(base+"/me", rt.me)

		if rt.Name == User && rt.Users != nil {
			directory.NewHandler(rt.Users, logger).Mount(r)
			users := &userLookup{users: rt.Users, logger: logger}
			r.With(resource.RequireAuthority(logger, "user:read")).Get(base+"/{id}", users.get)
		}

		if rt.Name == PurchaseSale && rt.Peers != nil {
			v := &partyVerifier{peers: rt.Peers, logger: logger}
			r.With(resource.RequireAuthority(logger, "purchase_sale:create", "purchase_sale:read")).
				Post(base+"/verify-parties", v.verify)
		}
	})
}

// Me echoes the resolved principal.
type Me struct {
	Kind        string   `json:"kind"`
	Subject     string   `json:"subject"`
	UserID      string   `json:"userId,omitempty"`
	Username    string   `json:"username,omitempty"`
	Authorities []string `json:"authorities"`
	AuditUserID string   `json:"auditUserId,omitempty"`
	Service     string   `json:"service"`
}

func (rt *Routes) me(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.From(r.Context())
	respond.JSON(w, http.StatusOK, Me{
		Kind:        p.Kind.String(),
		Subject:     p.Subject,
		UserID:      p.UserID,
		Username:    p.Username,
		Authorities: p.Authorities,
		AuditUserID: p.AuditUserID,
		Service:     rt.Name,
	})
}
