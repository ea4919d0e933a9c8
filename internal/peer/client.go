// Package peer calls other domain services on behalf of the current request.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/metrics"
)

// DefaultTimeout bounds a single peer call.
const DefaultTimeout = 3 * time.Second

// Client makes JSON calls to named peers. Each peer has its own breaker.
// Calls are never retried.
type Client struct {
	peers   map[string]*endpoint
	timeout time.Duration
	logger  *slog.Logger
}

type endpoint struct {
	name    string
	base    string
	http    *http.Client
	breaker *Breaker
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout   time.Duration
	breaker   BreakerConfig
	keys      map[string]string
	transport http.RoundTripper
	logger    *slog.Logger
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBreakerConfig sets the breaker settings used for every peer.
func WithBreakerConfig(cfg BreakerConfig) ClientOption {
	return func(o *clientOptions) { o.breaker = cfg }
}

// WithPeerKeys sets the internal service key sent to each peer when the
// caller has no bearer token.
func WithPeerKeys(keys map[string]string) ClientOption {
	return func(o *clientOptions) { o.keys = keys }
}

// WithTransport sets the underlying transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOptions) { o.transport = rt }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// NewClient creates a client for the given peer name to base URL map.
func NewClient(peers map[string]string, opts ...ClientOption) *Client {
	o := &clientOptions{
		timeout: DefaultTimeout,
		breaker: DefaultBreakerConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		peers:   make(map[string]*endpoint, len(peers)),
		timeout: o.timeout,
		logger:  o.logger,
	}
	for name, base := range peers {
		c.peers[name] = &endpoint{
			name: name,
			base: strings.TrimSuffix(base, "/"),
			http: &http.Client{
				Transport: &Forwarder{Base: o.transport, Key: o.keys[name]},
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			},
			breaker: NewBreaker(name, o.breaker, c.breakerChanged),
		}
		metrics.SetBreakerState(name, int(StateClosed))
	}
	return c
}

// Has reports whether a peer is configured.
func (c *Client) Has(peer string) bool {
	_, ok := c.peers[peer]
	return ok
}

// BreakerState returns the breaker state of a peer.
func (c *Client) BreakerState(peer string) (State, bool) {
	ep, ok := c.peers[peer]
	if !ok {
		return StateClosed, false
	}
	return ep.breaker.State(), true
}

// Get fetches path from peer and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, peer, path string, out any) error {
	return c.Do(ctx, peer, http.MethodGet, path, nil, out)
}

// Do sends a JSON request to peer. An open breaker, a timeout, a transport
// error or a 5xx response yields a service_unavailable error. 404 yields
// not_found, 401 and 403 yield forbidden.
func (c *Client) Do(ctx context.Context, peer, method, path string, body, out any) error {
	ep, ok := c.peers[peer]
	if !ok {
		return idperrors.Internal(fmt.Sprintf("peer %q is not configured", peer), nil)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return idperrors.Internal("failed to encode peer request", err)
		}
		reader = bytes.NewReader(buf)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Built before taking a permit so a local mistake never reaches the breaker.
	req, err := http.NewRequestWithContext(callCtx, method, ep.base+path, reader)
	if err != nil {
		return idperrors.Internal("failed to build peer request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := ep.breaker.Allow(); err != nil {
		metrics.RecordPeerCall(peer, "rejected")
		return idperrors.Unavailable(fmt.Sprintf("peer %s unavailable", peer), err)
	}

	resp, err := ep.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Caller went away; the peer is not to blame.
			ep.breaker.Cancel()
			metrics.RecordPeerCall(peer, "canceled")
			return idperrors.Unavailable(fmt.Sprintf("call to peer %s canceled", peer), ctx.Err())
		}
		ep.breaker.Record(false)
		outcome := "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.RecordPeerCall(peer, outcome)
		c.logger.Warn("peer call failed", "peer", peer, "path", path, "outcome", outcome, "error", err)
		return idperrors.Unavailable(fmt.Sprintf("peer %s unavailable", peer), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		ep.breaker.Record(false)
		metrics.RecordPeerCall(peer, "failure")
		c.logger.Warn("peer returned server error", "peer", peer, "path", path, "status", resp.StatusCode)
		return idperrors.Unavailable(fmt.Sprintf("peer %s unavailable", peer),
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		ep.breaker.Record(true)
		metrics.RecordPeerCall(peer, "not_found")
		return idperrors.NotFound(peer, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		ep.breaker.Record(true)
		metrics.RecordPeerCall(peer, "refused")
		return idperrors.Forbidden(fmt.Sprintf("peer %s refused the call", peer))
	case resp.StatusCode >= 400:
		ep.breaker.Record(true)
		metrics.RecordPeerCall(peer, "client_error")
		return idperrors.InvalidInput(fmt.Sprintf("peer %s rejected the request with status %d", peer, resp.StatusCode))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			ep.breaker.Record(false)
			metrics.RecordPeerCall(peer, "failure")
			return idperrors.Unavailable(fmt.Sprintf("peer %s sent an unreadable response", peer), err)
		}
	}
	ep.breaker.Record(true)
	metrics.RecordPeerCall(peer, "success")
	return nil
}

func (c *Client) breakerChanged(peer string, s State) {
	metrics.SetBreakerState(peer, int(s))
	c.logger.Info("peer circuit breaker changed state", "peer", peer, "state", s.String())
}
