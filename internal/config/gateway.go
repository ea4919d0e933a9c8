package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// GatewayConfig holds configuration for the API gateway.
type GatewayConfig struct {
	Host string `env:"GATEWAY_HOST" env-default:"0.0.0.0"`
	Port int    `env:"GATEWAY_PORT" env-default:"8080"`

	// PublicURL is the externally visible base URL; the OIDC callback is
	// PublicURL + /login/oauth2/code/idp.
	PublicURL string `env:"GATEWAY_PUBLIC_URL" env-default:"http://localhost:8080"`

	// Authorization server
	IssuerURL    string `env:"GATEWAY_ISSUER_URL" env-default:"http://localhost:9000"`
	JWKSURL      string `env:"GATEWAY_JWKS_URL"`
	ClientID     string `env:"GATEWAY_CLIENT_ID" env-default:"gateway"`
	ClientSecret string `env:"GATEWAY_CLIENT_SECRET"`
	Scopes       string `env:"GATEWAY_SCOPES" env-default:"openid profile"`

	FrontendOrigin string `env:"GATEWAY_FRONTEND_ORIGIN" env-default:"http://localhost:3000"`

	// Session settings
	SessionDir    string        `env:"GATEWAY_SESSION_DIR"`
	SessionSecret string        `env:"GATEWAY_SESSION_SECRET"`
	SessionMaxAge time.Duration `env:"GATEWAY_SESSION_MAX_AGE" env-default:"8h"`
	CookieSecure  bool          `env:"GATEWAY_COOKIE_SECURE" env-default:"false"`

	// Routes maps path prefixes to upstream base URLs.
	// Format: "/api/users=http://user:8081,/api/vehicles=http://vehicle:8083"
	Routes string `env:"GATEWAY_ROUTES"`

	// Logging
	LogLevel  string `env:"GATEWAY_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"GATEWAY_LOG_FORMAT" env-default:"json"`

	SessionSecretGenerated bool `env:"-"`
}

// LoadGateway reads gateway configuration from environment variables.
func LoadGateway() (*GatewayConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg GatewayConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load gateway config: %w", err)
	}

	if cfg.SessionSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.SessionSecretGenerated = true
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimRight(cfg.IssuerURL, "/") + "/oauth2/jwks"
	}

	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CallbackURL returns the OIDC redirect URI registered for the gateway.
func (c *GatewayConfig) CallbackURL() string {
	return strings.TrimRight(c.PublicURL, "/") + "/login/oauth2/code/idp"
}

// Route is a path prefix proxied to an upstream.
type Route struct {
	Prefix   string
	Upstream string
}

// ParseRoutes parses GATEWAY_ROUTES. Longer prefixes sort first so the most
// specific route matches.
func (c *GatewayConfig) ParseRoutes() []Route {
	var routes []Route
	for prefix, upstream := range parsePairs(c.Routes) {
		if !strings.HasPrefix(prefix, "/") {
			continue
		}
		routes = append(routes, Route{Prefix: strings.TrimRight(prefix, "/"), Upstream: upstream})
	}
	sort.Slice(routes, func(i, j int) bool {
		if len(routes[i].Prefix) != len(routes[j].Prefix) {
			return len(routes[i].Prefix) > len(routes[j].Prefix)
		}
		return routes[i].Prefix < routes[j].Prefix
	})
	return routes
}

// ScopeList returns the configured scopes.
func (c *GatewayConfig) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// parsePairs parses "k=v,k2=v2" into a map, trimming whitespace and
// skipping malformed entries.
func parsePairs(s string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(entry), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
