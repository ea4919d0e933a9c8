package crypto

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the claim set of access tokens and ID tokens.
type Claims struct {
	// Custom claims consumed by resource servers
	UserID              string   `json:"userId,omitempty"`
	RolesAndPermissions []string `json:"rolesAndPermissions,omitempty"`

	// Standard OIDC claims
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	SessionID         string `json:"sid,omitempty"`
	AuthTime          int64  `json:"auth_time,omitempty"`

	// OAuth claims
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	jwt.RegisteredClaims
}

// TokenGenerator signs and parses RS256 JWTs.
type TokenGenerator struct {
	keys   KeySource
	issuer string
}

// NewTokenGenerator creates a TokenGenerator. Tokens are signed with the
// source's active key and verified with any key it knows by kid.
func NewTokenGenerator(keys KeySource, issuer string) *TokenGenerator {
	return &TokenGenerator{
		keys:   keys,
		issuer: issuer,
	}
}

// Issuer returns the iss value placed in tokens.
func (g *TokenGenerator) Issuer() string {
	return g.issuer
}

// Sign fills the registered claims for subject and audience and signs the token.
func (g *TokenGenerator) Sign(ctx context.Context, subject, audience string, ttl time.Duration, claims *Claims) (string, time.Time, error) {
	key, err := g.keys.ActiveKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to load signing key: %w", err)
	}

	if claims == nil {
		claims = &Claims{}
	}

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    g.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.Kid

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ParseOption adjusts token parsing.
type ParseOption func(*parseConfig)

type parseConfig struct {
	skipExpiry bool
	audience   string
}

// IgnoreExpiry accepts expired tokens. Only used for id_token_hint.
func IgnoreExpiry() ParseOption {
	return func(c *parseConfig) {
		c.skipExpiry = true
	}
}

// WithAudience requires aud to contain audience.
func WithAudience(audience string) ParseOption {
	return func(c *parseConfig) {
		c.audience = audience
	}
}

// Parse verifies the signature, issuer and (unless IgnoreExpiry is given)
// the time claims of tokenString.
func (g *TokenGenerator) Parse(ctx context.Context, tokenString string, opts ...ParseOption) (*Claims, error) {
	var cfg parseConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(g.issuer),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.audience))
	}
	if cfg.skipExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key ID in token header")
		}
		key, err := g.keys.KeyByID(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		return key.PublicKey, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	// Claims validation is skipped wholesale by IgnoreExpiry, so the
	// issuer is checked by hand there.
	if cfg.skipExpiry && claims.Issuer != g.issuer {
		return nil, fmt.Errorf("failed to parse token: unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}
