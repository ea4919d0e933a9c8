// Package trust authenticates calls between domain services by a shared
// internal key.
package trust

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/principal"
)

// HeaderName carries the caller's internal service key.
const HeaderName = "X-Internal-Service-Key"

// serviceAuthorities is what a trusted internal caller may do on each
// service. A caller trusted by one service gets nothing on another.
var serviceAuthorities = map[string][]string{
	"user":          {"user:read", "user:create", "user:update", "user:delete"},
	"client":        {"client:read", "client:create", "client:update", "client:delete"},
	"vehicle":       {"vehicle:read", "vehicle:create", "vehicle:update", "vehicle:delete"},
	"purchase_sale": {"purchase_sale:read", "purchase_sale:create", "purchase_sale:update", "purchase_sale:delete"},
}

// ServiceAuthorities returns a copy of the authorities granted to trusted
// callers of service, or nil for an unknown service.
func ServiceAuthorities(service string) []string {
	auths, ok := serviceAuthorities[service]
	if !ok {
		return nil
	}
	return append([]string(nil), auths...)
}

// Filter binds a service principal when the request presents the
// configured key.
type Filter struct {
	service     string
	key         []byte
	authorities []string
	logger      *slog.Logger
}

// NewFilter creates a Filter for service. An empty key disables it.
func NewFilter(service, key string, logger *slog.Logger) (*Filter, error) {
	auths := ServiceAuthorities(service)
	if auths == nil {
		return nil, fmt.Errorf("trust: unknown service %q", service)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{service: service, key: []byte(key), authorities: auths, logger: logger}, nil
}

// Enabled reports whether a key is configured.
func (f *Filter) Enabled() bool {
	return len(f.key) > 0
}

// Middleware leaves requests that already carry a principal alone, so it
// must run after bearer authentication. A missing or wrong key leaves the
// request anonymous for the authorization checks further down.
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() || principal.Authenticated(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(HeaderName)
		if presented == "" {
			next.ServeHTTP(w, r)
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), f.key) != 1 {
			metrics.RecordTrustDecision(f.service, false)
			f.logger.Warn("internal service key rejected", "service", f.service, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordTrustDecision(f.service, true)
		p := &principal.Principal{
			Kind:        principal.KindService,
			Subject:     "internal-service",
			Authorities: f.authorities,
			AuditUserID: r.Header.Get("X-User-ID"),
		}
		next.ServeHTTP(w, r.WithContext(principal.With(r.Context(), p)))
	})
}
