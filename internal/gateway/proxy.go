package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/tendant/dealer-sso/internal/config"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/resource"
	"github.com/tendant/dealer-sso/internal/respond"
	"github.com/tendant/dealer-sso/internal/trust"
)

// Proxy forwards requests to the upstream owning the longest matching path
// prefix.
type Proxy struct {
	routes []*upstream
	logger *slog.Logger
}

type upstream struct {
	prefix string
	proxy  *httputil.ReverseProxy
}

// NewProxy builds a proxy for routes, which must be ordered most specific
// first as config.ParseRoutes returns them. transport may be nil.
func NewProxy(routes []config.Route, transport http.RoundTripper, logger *slog.Logger) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{logger: logger}
	for _, rt := range routes {
		target, err := url.Parse(rt.Upstream)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream for %s: %q", rt.Prefix, rt.Upstream)
		}
		p.routes = append(p.routes, &upstream{
			prefix: rt.Prefix,
			proxy: &httputil.ReverseProxy{
				Rewrite:      rewrite(target),
				Transport:    transport,
				ErrorHandler: p.upstreamError,
			},
		})
	}
	return p, nil
}

func rewrite(target *url.URL) func(*httputil.ProxyRequest) {
	return func(pr *httputil.ProxyRequest) {
		pr.SetURL(target)
		pr.SetXForwarded()

		pr.Out.Header.Del(resource.UserIDHeader)
		pr.Out.Header.Del(trust.HeaderName)
		if id := IdentityFrom(pr.In.Context()); !id.Anonymous() && id.UserID != "" {
			pr.Out.Header.Set(resource.UserIDHeader, id.UserID)
		}
		if tok := relayToken(pr.In.Context()); tok != "" {
			pr.Out.Header.Set("Authorization", "Bearer "+tok)
		}
	}
}

func (p *Proxy) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, p.logger, idperrors.Unavailable("upstream unavailable", err))
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, u := range p.routes {
		if u.prefix == "" || r.URL.Path == u.prefix || strings.HasPrefix(r.URL.Path, u.prefix+"/") {
			u.proxy.ServeHTTP(w, r)
			return
		}
	}
	respond.NotFound(w, r)
}
