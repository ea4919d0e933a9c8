// Package domain defines the core types for the authorization server.
package domain

import (
	"slices"
	"time"
)

// Grant types a client may be registered for.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// Role is a named group of permissions.
type Role struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions,omitempty"`
}

// User represents an account in the user directory.
type User struct {
	ID                 string    `json:"id"`
	Username           string    `json:"username"`
	Email              string    `json:"email,omitempty"`
	PasswordHash       string    `json:"password_hash,omitempty"`
	DisplayName        string    `json:"display_name,omitempty"`
	Enabled            bool      `json:"enabled"`
	Locked             bool      `json:"locked"`
	Expired            bool      `json:"expired"`
	CredentialsExpired bool      `json:"credentials_expired"`
	Roles              []Role    `json:"roles,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Authorities returns role names and every permission reachable through the
// user's roles, flattened in first-seen order with duplicates removed.
func (u *User) Authorities() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if a == "" || seen[a] {
			return
		}
		seen[a] = true
		out = append(out, a)
	}
	for _, role := range u.Roles {
		add(role.Name)
		for _, p := range role.Permissions {
			add(p)
		}
	}
	return out
}

// HasRole reports whether the user holds the named role.
func (u *User) HasRole(name string) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// TokenSettings controls token lifetimes for a client.
type TokenSettings struct {
	AccessTokenTTL     time.Duration `json:"access_token_ttl"`
	RefreshTokenTTL    time.Duration `json:"refresh_token_ttl"`
	ReuseRefreshTokens bool          `json:"reuse_refresh_tokens"`
}

// Client represents a registered OAuth 2.0 / OIDC client application.
type Client struct {
	ID                     string        `json:"id"`
	SecretHash             string        `json:"secret_hash,omitempty"` // Empty for public clients
	Name                   string        `json:"name"`
	AuthMethod             string        `json:"auth_method"`
	RedirectURIs           []string      `json:"redirect_uris"`
	PostLogoutRedirectURIs []string      `json:"post_logout_redirect_uris,omitempty"`
	GrantTypes             []string      `json:"grant_types"`
	Scopes                 []string      `json:"scopes"`
	Public                 bool          `json:"public"`
	RequireConsent         bool          `json:"require_consent"`
	RequirePKCE            bool          `json:"require_pkce"`
	TokenSettings          TokenSettings `json:"token_settings"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// AllowsGrant reports whether the client is registered for the grant type.
func (c *Client) AllowsGrant(grant string) bool {
	return slices.Contains(c.GrantTypes, grant)
}

// AllowsRedirect reports whether uri exactly matches a registered redirect URI.
func (c *Client) AllowsRedirect(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsPostLogoutRedirect reports whether uri exactly matches a registered
// post-logout redirect URI.
func (c *Client) AllowsPostLogoutRedirect(uri string) bool {
	return slices.Contains(c.PostLogoutRedirectURIs, uri)
}

// PKCERequired reports whether authorization requests must carry a code challenge.
func (c *Client) PKCERequired() bool {
	return c.Public || c.RequirePKCE
}

// Consent records the scopes a principal approved for a client.
type Consent struct {
	ClientID  string    `json:"client_id"`
	Principal string    `json:"principal"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether every scope in scopes was granted.
func (c *Consent) Covers(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// Session represents an authenticated browser session. ID is the hash of the
// cookie value.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	Authorities []string  `json:"authorities,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserAgent   string    `json:"user_agent,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
}

// IsExpired checks if the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// AuthCode represents an OAuth 2.0 authorization code. Code is the hash of the
// value handed to the client.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	SessionID           string    `json:"session_id,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"` // plain or S256
	Nonce               string    `json:"nonce,omitempty"`
	AuthTime            time.Time `json:"auth_time"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
}

// IsExpired checks if the authorization code has expired.
func (a *AuthCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// Token represents a refresh token stored in the database.
// Access tokens and ID tokens are JWTs and not stored.
type Token struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	GrantID   string    `json:"grant_id"`            // Authorization code the chain started from
	ParentID  string    `json:"parent_id,omitempty"` // Token this one replaced
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// IsExpired checks if the token has expired.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsValid checks if the token is valid (not expired and not revoked).
func (t *Token) IsValid() bool {
	return !t.IsExpired() && !t.Revoked
}
