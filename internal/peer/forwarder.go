package peer

import (
	"net/http"

	"github.com/tendant/dealer-sso/internal/principal"
)

const (
	// ServiceKeyHeader carries the shared key a service presents to a peer.
	ServiceKeyHeader = "X-Internal-Service-Key"
	// UserIDHeader carries the acting user id for audit on the peer.
	UserIDHeader = "X-User-ID"
)

// Forwarder is a RoundTripper that carries the caller's identity to a peer.
// A caller with a bearer token has it copied into Authorization; any other
// caller is sent with Key when one is configured.
type Forwarder struct {
	Base http.RoundTripper
	Key  string
}

// RoundTrip implements http.RoundTripper.
func (f *Forwarder) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	p, _ := principal.From(req.Context())

	switch {
	case out.Header.Get("Authorization") != "":
	case p != nil && p.Token != "":
		out.Header.Set("Authorization", "Bearer "+p.Token)
	case f.Key != "":
		out.Header.Set(ServiceKeyHeader, f.Key)
	}

	if p != nil && out.Header.Get(UserIDHeader) == "" {
		audit := p.AuditUserID
		if audit == "" && p.Kind == principal.KindUser {
			audit = p.UserID
		}
		if audit != "" {
			out.Header.Set(UserIDHeader, audit)
		}
	}

	return f.base().RoundTrip(out)
}

func (f *Forwarder) base() http.RoundTripper {
	if f.Base != nil {
		return f.Base
	}
	return http.DefaultTransport
}
