package resource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/dealer-sso/internal/crypto"
	idperrors "github.com/tendant/dealer-sso/internal/errors"
	"github.com/tendant/dealer-sso/internal/principal"
)

// Validator checks bearer access tokens.
type Validator struct {
	keys     KeyProvider
	issuer   string
	audience string
	leeway   time.Duration
}

// ValidatorOption configures the Validator.
type ValidatorOption func(*Validator)

// WithAudience requires the token audience to contain audience.
func WithAudience(audience string) ValidatorOption {
	return func(v *Validator) {
		v.audience = audience
	}
}

// WithLeeway sets the clock skew allowed on exp, nbf and iat.
func WithLeeway(d time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.leeway = d
	}
}

// NewValidator creates a Validator for tokens from issuer.
func NewValidator(keys KeyProvider, issuer string, opts ...ValidatorOption) *Validator {
	v := &Validator{
		keys:   keys,
		issuer: issuer,
		leeway: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies the token and returns its claims. Errors carry
// CodeTokenExpired, CodeTokenInvalid or, when the keys cannot be fetched,
// CodeServiceUnavailable.
func (v *Validator) Validate(ctx context.Context, token string) (*crypto.Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &crypto.Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing key ID in token header")
		}
		return v.keys.PublicKey(ctx, kid)
	}, opts...)
	if err != nil {
		switch {
		case idperrors.IsCode(err, idperrors.CodeServiceUnavailable):
			return nil, idperrors.Unavailable("signing keys unavailable", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, idperrors.Wrap(err, idperrors.CodeTokenExpired, "token expired")
		default:
			return nil, idperrors.Wrap(err, idperrors.CodeTokenInvalid, "invalid token")
		}
	}
	if claims.Subject == "" {
		return nil, idperrors.New(idperrors.CodeTokenInvalid, "token has no subject")
	}
	return claims, nil
}

// Principal builds the user principal for validated claims.
func Principal(claims *crypto.Claims, token string) *principal.Principal {
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return &principal.Principal{
		Kind:        principal.KindUser,
		Subject:     claims.Subject,
		UserID:      userID,
		Username:    claims.PreferredUsername,
		Authorities: claims.RolesAndPermissions,
		Token:       token,
	}
}
