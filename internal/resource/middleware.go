package resource

import (
	"log/slog"
	"net/http"
	"strings"

	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/principal"
	"github.com/tendant/dealer-sso/internal/respond"
)

// UserIDHeader is the gateway-supplied user id. It is recorded for audit
// only.
const UserIDHeader = "X-User-ID"

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate binds a user principal for a valid bearer token. Requests
// that already carry a principal, or carry no token, pass through. An
// invalid token is rejected with 401.
func Authenticate(v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if principal.Authenticated(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := BearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := v.Validate(r.Context(), token)
			if err != nil {
				if !idperrors.IsCode(err, idperrors.CodeServiceUnavailable) {
					w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				}
				logger.Warn("bearer token rejected", "path", r.URL.Path, "error", err)
				respond.Error(w, r, logger, err)
				return
			}

			p := Principal(claims, token)
			p.AuditUserID = r.Header.Get(UserIDHeader)
			next.ServeHTTP(w, r.WithContext(principal.With(r.Context(), p)))
		})
	}
}

// RequireAuthenticated rejects anonymous requests with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !principal.Authenticated(r.Context()) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respond.Status(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuthority rejects requests whose principal holds none of
// authorities. Anonymous requests get 401, authenticated ones 403.
func RequireAuthority(logger *slog.Logger, authorities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal.From(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				respond.Status(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			for _, a := range authorities {
				if p.HasAuthority(a) {
					next.ServeHTTP(w, r)
					return
				}
			}
			respond.Error(w, r, logger, idperrors.Forbidden("missing authority"))
		})
	}
}
