package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/tendant/dealer-sso/internal/metrics"
	"github.com/tendant/dealer-sso/internal/resource"
	"github.com/tendant/dealer-sso/internal/trust"
)

// Identity sources, in precedence order.
const (
	SourceBearer    = "bearer"
	SourceSession   = "session"
	SourceAnonymous = "anonymous"
)

// Identity is the caller as resolved by the gateway.
type Identity struct {
	UserID   string `json:"userId,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Username string `json:"username,omitempty"`
	Source   string `json:"source"`
}

// Anonymous reports whether no identity was resolved.
func (id *Identity) Anonymous() bool {
	return id == nil || id.Source == SourceAnonymous
}

type identityKey struct{}

// IdentityFrom returns the identity resolved for the request.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Propagator resolves the caller's user id and strips identity headers a
// client could forge. The proxy injects the resolved id upstream.
type Propagator struct {
	validator *resource.Validator
	sessions  *Sessions
	logger    *slog.Logger
}

// NewPropagator creates a Propagator. A nil validator treats bearer tokens
// as anonymous.
func NewPropagator(validator *resource.Validator, sessions *Sessions, logger *slog.Logger) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Propagator{validator: validator, sessions: sessions, logger: logger}
}

// Middleware strips inbound X-User-ID and X-Internal-Service-Key and binds
// the resolved identity to the request context.
func (p *Propagator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(resource.UserIDHeader)
		r.Header.Del(trust.HeaderName)

		id := p.Resolve(r)
		metrics.RecordPropagation(id.Source)
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// Resolve picks the identity: a valid bearer token's subject, then the
// session's userId claim or OIDC subject, then anonymous. An invalid bearer
// token resolves to anonymous; the upstream rejects it.
func (p *Propagator) Resolve(r *http.Request) *Identity {
	if token, ok := resource.BearerToken(r); ok {
		if p.validator == nil {
			return &Identity{Source: SourceAnonymous}
		}
		claims, err := p.validator.Validate(r.Context(), token)
		if err != nil {
			p.logger.Debug("bearer token not propagated", "error", err)
			return &Identity{Source: SourceAnonymous}
		}
		return &Identity{
			UserID:   claims.Subject,
			Subject:  claims.Subject,
			Username: claims.PreferredUsername,
			Source:   SourceBearer,
		}
	}

	if p.sessions != nil {
		if id, ok := p.sessions.Identity(r); ok {
			if id.UserID == "" {
				id.UserID = id.Subject
			}
			return id
		}
	}
	return &Identity{Source: SourceAnonymous}
}

// userIDClaim formats a userId claim. Numbers are written as integers
// without exponent; non-integral or empty values are rejected.
func userIDClaim(v any) (string, bool) {
	switch n := v.(type) {
	case string:
		return n, n != ""
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		f, err := n.Float64()
		if err != nil {
			return "", false
		}
		return userIDClaim(f)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return "", false
		}
		return strconv.FormatFloat(n, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(n, 10), true
	case int:
		return strconv.Itoa(n), true
	}
	return "", false
}
