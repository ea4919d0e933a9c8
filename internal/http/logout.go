package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tendant/dealer-sso/internal/audit"
	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/principal"
	"github.com/tendant/dealer-sso/internal/respond"
)

// LogoutHandler handles the SSO logout fallback and RP-initiated logout.
type LogoutHandler struct {
	authService *auth.Service
	logout      *oidc.LogoutService
	origin      *url.URL
	events      audit.Emitter
	logger      *slog.Logger
}

// NewLogoutHandler creates a LogoutHandler. trustedOrigin is the only
// origin /sso-logout redirects into.
func NewLogoutHandler(authService *auth.Service, logout *oidc.LogoutService, trustedOrigin string, events audit.Emitter, logger *slog.Logger) (*LogoutHandler, error) {
	origin, err := url.Parse(strings.TrimRight(trustedOrigin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("trusted origin %q must be an absolute URL", trustedOrigin)
	}
	return &LogoutHandler{
		authService: authService,
		logout:      logout,
		origin:      origin,
		events:      events,
		logger:      logger,
	}, nil
}

// SSOLogout handles GET /sso-logout?redirect_uri=. The session is dropped
// whether or not the redirect is accepted.
func (h *LogoutHandler) SSOLogout(w http.ResponseWriter, r *http.Request) {
	r, _ = h.authService.Invalidate(w, r)

	target := r.URL.Query().Get("redirect_uri")
	if target != "" && h.allowed(target) {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	fallback := h.origin.String() + "/login"
	if target != "" {
		h.logger.Warn("rejected sso logout redirect", "redirect_uri", target, "remote_addr", r.RemoteAddr)
		h.events.Emit(r.Context(), audit.Event{
			Type:      audit.EventOpenRedirect,
			RemoteIP:  r.RemoteAddr,
			RequestID: middleware.GetReqID(r.Context()),
			Detail:    target,
		})
	}
	http.Redirect(w, r, fallback, http.StatusFound)
}

// allowed reports whether raw is the trusted origin or lies below its path
// on a segment boundary, with the same scheme, host and port.
func (h *LogoutHandler) allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.User != nil || u.Opaque != "" {
		return false
	}
	if !strings.EqualFold(u.Scheme, h.origin.Scheme) || !strings.EqualFold(u.Host, h.origin.Host) {
		return false
	}
	if strings.Contains(u.Path, "..") || strings.Contains(raw, `\`) {
		return false
	}

	base := strings.TrimRight(h.origin.Path, "/")
	path := u.Path
	if base == "" {
		return path == "" || strings.HasPrefix(path, "/")
	}
	return path == base || path == base+"/" || strings.HasPrefix(path, base+"/")
}

// ConnectLogout handles GET|POST /connect/logout (OIDC RP-initiated logout).
func (h *LogoutHandler) ConnectLogout(w http.ResponseWriter, r *http.Request) {
	req, err := oidc.ParseLogoutRequest(r)
	if err != nil {
		respond.Error(w, r, h.logger, err)
		return
	}

	result, err := h.logout.Validate(r.Context(), req)
	if err != nil {
		h.logger.Warn("rp-initiated logout rejected", "client_id", req.ClientID, "error", err)
		respond.Error(w, r, h.logger, err)
		return
	}

	p, _ := principal.From(r.Context())
	r, found := h.authService.Invalidate(w, r)
	if found && p != nil {
		h.events.Emit(r.Context(), audit.Event{
			Type:      audit.EventLogout,
			Subject:   p.Subject,
			ClientID:  result.ClientID,
			RemoteIP:  r.RemoteAddr,
			RequestID: middleware.GetReqID(r.Context()),
		})
	}

	if result.RedirectURI != "" {
		http.Redirect(w, r, result.RedirectURI, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/login?logout", http.StatusFound)
}
