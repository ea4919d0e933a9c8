// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host string `env:"IDP_HOST" env-default:"0.0.0.0"`
	Port int    `env:"IDP_PORT" env-default:"9000"`

	// Issuer URL (required for OIDC)
	IssuerURL string `env:"IDP_ISSUER_URL" env-default:"http://localhost:9000"`

	// FrontendOrigin is the single trusted origin for post-login and
	// post-logout redirects.
	FrontendOrigin string `env:"IDP_FRONTEND_ORIGIN" env-default:"http://localhost:3000"`

	// Storage settings
	StoreBackend string `env:"IDP_STORE" env-default:"file"` // file or postgres
	DataDir      string `env:"IDP_DATA_DIR" env-default:"./data"`
	DatabaseURL  string `env:"IDP_DATABASE_URL"`

	// Session settings
	SessionBackend  string        `env:"IDP_SESSION_BACKEND" env-default:"store"` // store or redis
	RedisAddr       string        `env:"IDP_REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword   string        `env:"IDP_REDIS_PASSWORD"`
	RedisDB         int           `env:"IDP_REDIS_DB" env-default:"0"`
	SessionDuration time.Duration `env:"IDP_SESSION_DURATION" env-default:"8h"`
	CookieSecret    string        `env:"IDP_COOKIE_SECRET"`
	CookieSecure    bool          `env:"IDP_COOKIE_SECURE" env-default:"false"`
	CookieDomain    string        `env:"IDP_COOKIE_DOMAIN" env-default:""`

	// Token settings
	AccessTokenTTL  time.Duration `env:"IDP_ACCESS_TOKEN_TTL" env-default:"30m"`
	RefreshTokenTTL time.Duration `env:"IDP_REFRESH_TOKEN_TTL" env-default:"720h"` // 30 days
	AuthCodeTTL     time.Duration `env:"IDP_AUTH_CODE_TTL" env-default:"10m"`

	// Key rotation
	SigningKeyRotationDays int `env:"IDP_SIGNING_KEY_ROTATION_DAYS" env-default:"30"`

	// Rate limiting and lockout
	LoginRateLimit     int           `env:"IDP_LOGIN_RATE_LIMIT" env-default:"5"` // attempts per minute
	LockoutMaxAttempts int           `env:"IDP_LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	LockoutDuration    time.Duration `env:"IDP_LOCKOUT_DURATION" env-default:"15m"`

	// User directory: the local store, or the user service over HTTP.
	DirectoryBackend    string `env:"IDP_DIRECTORY" env-default:"store"` // store or remote
	DirectoryURL        string `env:"IDP_DIRECTORY_URL" env-default:"http://localhost:8081"`
	DirectoryServiceKey string `env:"IDP_DIRECTORY_SERVICE_KEY"`

	// Security event publishing
	AuditAMQPURL  string `env:"IDP_AUDIT_AMQP_URL"`
	AuditExchange string `env:"IDP_AUDIT_EXCHANGE" env-default:"security-events"`

	// Logging
	LogLevel  string `env:"IDP_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"IDP_LOG_FORMAT" env-default:"json"` // json or text

	// Gateway client, registered on startup when a secret is configured.
	ClientID          string `env:"IDP_GATEWAY_CLIENT_ID" env-default:"gateway"`
	ClientSecret      string `env:"IDP_GATEWAY_CLIENT_SECRET"`
	ClientRedirectURI string `env:"IDP_GATEWAY_REDIRECT_BASE"`

	// Debug public client for manual OIDC testing.
	DebugClientEnabled     bool   `env:"IDP_DEBUG_CLIENT_ENABLED" env-default:"false"`
	DebugClientRedirectURI string `env:"IDP_DEBUG_CLIENT_REDIRECT_URI" env-default:"https://oidcdebugger.com/debug"`

	// Bootstrap data (created on startup if not exists)
	// Format: "username:password:ROLE1 ROLE2,username2:password2"
	BootstrapUsers string `env:"IDP_BOOTSTRAP_USERS"`
	// Format: "ROLE=perm1 perm2,ROLE2=perm3"
	BootstrapRoles string `env:"IDP_BOOTSTRAP_ROLES"`
	// Format: "client_id|client_secret|redirect_uri" (use | as delimiter to avoid URL conflicts)
	// Multiple redirect URIs separated by space: "client_id|secret|http://uri1 http://uri2"
	// Multiple clients separated by comma: "client1|secret1|uri1,client2|secret2|uri2"
	// Empty secret for public clients: "public-app||http://localhost:3000/callback"
	BootstrapClients string `env:"IDP_BOOTSTRAP_CLIENTS"`

	// Internal flags (not from env)
	CookieSecretGenerated bool `env:"-"` // True if secret was auto-generated
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Generate random cookie secret if not provided
	if cfg.CookieSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
		}
		cfg.CookieSecret = secret
		cfg.CookieSecretGenerated = true
	}

	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDotEnv loads .env from the working directory when present. Variables
// already set in the environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// generateRandomSecret generates a cryptographically secure random string.
func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// BootstrapUser represents a user to be created on startup.
type BootstrapUser struct {
	Username string
	Password string
	Roles    []string
}

// BootstrapClient represents a client to be created on startup.
type BootstrapClient struct {
	ID                     string
	Secret                 string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	Public                 bool
	RequireConsent         bool
}

// ParseBootstrapUsers parses the IDP_BOOTSTRAP_USERS environment variable.
// Format: "username:password:ROLE1 ROLE2,username2:password2"
func (c *Config) ParseBootstrapUsers() []BootstrapUser {
	if c.BootstrapUsers == "" {
		return nil
	}

	var users []BootstrapUser
	for _, entry := range strings.Split(c.BootstrapUsers, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			continue
		}

		user := BootstrapUser{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		if len(parts) >= 3 {
			user.Roles = strings.Fields(parts[2])
		}
		users = append(users, user)
	}
	return users
}

// ParseBootstrapRoles parses IDP_BOOTSTRAP_ROLES into role name to permissions.
// Format: "ADMIN=user:read user:create,SELLER=vehicle:read"
func (c *Config) ParseBootstrapRoles() map[string][]string {
	roles := make(map[string][]string)
	for _, entry := range strings.Split(c.BootstrapRoles, ",") {
		name, perms, ok := strings.Cut(strings.TrimSpace(entry), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		roles[name] = strings.Fields(perms)
	}
	return roles
}

// ParseBootstrapClients returns the well-known clients: the gateway client when
// configured, the debug client when enabled, then IDP_BOOTSTRAP_CLIENTS.
// Format: "client_id|client_secret|redirect_uri" (uses | delimiter to avoid URL conflicts)
// Multiple redirect URIs separated by space: "client_id|secret|http://uri1 http://uri2"
func (c *Config) ParseBootstrapClients() []BootstrapClient {
	var clients []BootstrapClient

	if gw, ok := c.gatewayClient(); ok {
		clients = append(clients, gw)
	}

	if c.DebugClientEnabled && c.DebugClientRedirectURI != "" {
		clients = append(clients, BootstrapClient{
			ID:             "oidc-debugger",
			RedirectURIs:   []string{c.DebugClientRedirectURI},
			Public:         true,
			RequireConsent: true,
		})
	}

	if c.BootstrapClients == "" {
		return clients
	}

	for _, entry := range strings.Split(c.BootstrapClients, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) < 3 {
			continue
		}

		secret := strings.TrimSpace(parts[1])
		client := BootstrapClient{
			ID:           strings.TrimSpace(parts[0]),
			Secret:       secret,
			RedirectURIs: strings.Fields(parts[2]), // Split by whitespace
			Public:       secret == "",
		}
		if len(client.RedirectURIs) == 0 {
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

// gatewayClient builds the gateway's confidential client from the redirect base.
func (c *Config) gatewayClient() (BootstrapClient, bool) {
	base := strings.TrimRight(strings.TrimSpace(c.ClientRedirectURI), "/")
	if c.ClientID == "" || base == "" {
		return BootstrapClient{}, false
	}

	postLogout := []string{base + "/"}
	if origin := strings.TrimRight(c.FrontendOrigin, "/"); origin != "" {
		postLogout = append([]string{origin}, postLogout...)
	}

	return BootstrapClient{
		ID:                     c.ClientID,
		Secret:                 c.ClientSecret,
		RedirectURIs:           []string{base + "/login/oauth2/code/idp"},
		PostLogoutRedirectURIs: postLogout,
		Public:                 c.ClientSecret == "",
	}, true
}
