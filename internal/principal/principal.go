// Package principal carries the authenticated caller of a request through
// context.Context. There is no process-wide security context; every request
// owns its own value.
package principal

import (
	"context"
	"fmt"
	"slices"
)

// Kind discriminates the principal variants.
type Kind int

const (
	// KindUser is an end user authenticated by session or bearer JWT.
	KindUser Kind = iota + 1
	// KindService is a peer service authenticated by the internal shared secret.
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// Principal is the identity bound to a single request.
type Principal struct {
	Kind Kind

	// Subject is the token subject or the service name for KindService.
	Subject  string
	UserID   string
	Username string

	Authorities []string

	// Token is the raw bearer token when the caller presented one.
	// It is redacted from String.
	Token string

	// AuditUserID is the gateway-supplied X-User-ID. It is informational
	// only and never used for authorization.
	AuditUserID string
}

// String returns a loggable form with the token redacted.
func (p *Principal) String() string {
	if p == nil {
		return "<anonymous>"
	}
	return fmt.Sprintf("Principal{Kind:%s Subject:%q}", p.Kind, p.Subject)
}

// HasAuthority reports whether the principal holds authority a.
func (p *Principal) HasAuthority(a string) bool {
	if p == nil {
		return false
	}
	return slices.Contains(p.Authorities, a)
}

// IsService reports whether the principal is an internal service.
func (p *Principal) IsService() bool {
	return p != nil && p.Kind == KindService
}

type contextKey struct{}

// With returns a copy of ctx carrying p. A nil p returns ctx unchanged.
func With(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, p)
}

// From returns the principal bound to ctx.
func From(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}

// Clear returns a copy of ctx in which no principal is visible, even if a
// parent context carries one.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, (*Principal)(nil))
}

// Authenticated reports whether ctx carries a principal.
func Authenticated(ctx context.Context) bool {
	_, ok := From(ctx)
	return ok
}
