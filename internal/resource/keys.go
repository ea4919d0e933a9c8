// Package resource validates bearer JWTs for the gateway and the domain
// services. Tokens are self-contained: the signature and time claims are
// checked locally against the authorization server's published keys.
package resource

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
)

// KeyProvider resolves RSA verification keys by key id.
type KeyProvider interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSProvider fetches the authorization server's JWKS and keeps it cached,
// refreshing in the background. An unknown kid forces one refetch so keys
// rotated in since the last refresh are picked up.
type JWKSProvider struct {
	url   string
	cache *jwk.Cache

	mu         sync.Mutex
	registered bool
}

// NewJWKSProvider creates a provider for jwksURL. The cache lives until ctx
// is cancelled. Registration is deferred to the first lookup so the gateway
// and services can start before the authorization server.
func NewJWKSProvider(ctx context.Context, jwksURL string, client *http.Client) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("missing JWKS URL")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSProvider{url: jwksURL, cache: cache}, nil
}

func (p *JWKSProvider) register(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.cache.Register(regCtx, p.url); err != nil {
		return err
	}
	p.registered = true
	return nil
}

// PublicKey returns the key for kid. Fetch failures are reported as
// CodeServiceUnavailable, an unknown kid as CodeTokenInvalid.
func (p *JWKSProvider) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if err := p.register(ctx); err != nil {
		return nil, idperrors.Unavailable("signing keys unavailable", err)
	}

	set, err := p.cache.Lookup(ctx, p.url)
	if err != nil {
		return nil, idperrors.Unavailable("signing keys unavailable", err)
	}

	key, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = p.cache.Refresh(ctx, p.url); err != nil {
			return nil, idperrors.Unavailable("signing keys unavailable", err)
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, idperrors.New(idperrors.CodeTokenInvalid, "unknown signing key "+kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeTokenInvalid, "unusable signing key")
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, idperrors.New(idperrors.CodeTokenInvalid, "signing key is not RSA")
	}
	return pub, nil
}

// StaticProvider serves keys from a local key source. The authorization
// server and tests use it.
type StaticProvider struct {
	Keys crypto.KeySource
}

// PublicKey implements KeyProvider.
func (p StaticProvider) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, err := p.Keys.KeyByID(ctx, kid)
	if err != nil {
		return nil, idperrors.Wrap(err, idperrors.CodeTokenInvalid, "unknown signing key "+kid)
	}
	return key.PublicKey, nil
}
