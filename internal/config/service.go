package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// ServiceConfig holds configuration for a downstream domain service.
type ServiceConfig struct {
	// Name selects the service: user, client, vehicle or purchase_sale.
	Name string `env:"SERVICE_NAME" env-default:"user"`
	Host string `env:"SERVICE_HOST" env-default:"0.0.0.0"`
	Port int    `env:"SERVICE_PORT" env-default:"8081"`

	// InternalKey is the shared secret accepted in X-Internal-Service-Key.
	// Empty disables internal-service authentication.
	InternalKey string `env:"SERVICE_INTERNAL_KEY"`

	IssuerURL string `env:"SERVICE_ISSUER_URL" env-default:"http://localhost:9000"`
	JWKSURL   string `env:"SERVICE_JWKS_URL"`

	// User service directory storage: file under DataDir, or PostgreSQL
	// when DatabaseURL is set.
	DataDir     string `env:"SERVICE_DATA_DIR" env-default:"./data"`
	DatabaseURL string `env:"SERVICE_DATABASE_URL"`

	// Peers maps peer service names to base URLs.
	// Format: "client=http://client:8082,user=http://user:8081"
	Peers string `env:"SERVICE_PEERS"`
	// PeerKeys maps peer service names to their internal keys, used when a
	// call carries no end-user token.
	PeerKeys    string        `env:"SERVICE_PEER_KEYS"`
	PeerTimeout time.Duration `env:"SERVICE_PEER_TIMEOUT" env-default:"3s"`

	// Circuit breaker
	BreakerFailureRate   uint          `env:"SERVICE_BREAKER_FAILURE_RATE" env-default:"50"`
	BreakerWindow        time.Duration `env:"SERVICE_BREAKER_WINDOW" env-default:"1m"`
	BreakerMinimumCalls  uint          `env:"SERVICE_BREAKER_MINIMUM_CALLS" env-default:"5"`
	BreakerOpenDuration  time.Duration `env:"SERVICE_BREAKER_OPEN_DURATION" env-default:"10s"`
	BreakerHalfOpenCalls uint          `env:"SERVICE_BREAKER_HALF_OPEN_CALLS" env-default:"3"`

	// Logging
	LogLevel  string `env:"SERVICE_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"SERVICE_LOG_FORMAT" env-default:"json"`
}

// LoadService reads domain service configuration from environment variables.
func LoadService() (*ServiceConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	var cfg ServiceConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load service config: %w", err)
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = strings.TrimRight(cfg.IssuerURL, "/") + "/oauth2/jwks"
	}
	return &cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServiceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ParsePeers returns the peer base URL map.
func (c *ServiceConfig) ParsePeers() map[string]string {
	peers := parsePairs(c.Peers)
	for name, base := range peers {
		peers[name] = strings.TrimRight(base, "/")
	}
	return peers
}

// ParsePeerKeys returns the peer internal key map.
func (c *ServiceConfig) ParsePeerKeys() map[string]string {
	return parsePairs(c.PeerKeys)
}
