// Package main is the entry point for the dealer-sso authorization server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tendant/dealer-sso/internal/audit"
	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/bootstrap"
	"github.com/tendant/dealer-sso/internal/config"
	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/directory"
	idphttp "github.com/tendant/dealer-sso/internal/http"
	"github.com/tendant/dealer-sso/internal/logging"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/peer"
	"github.com/tendant/dealer-sso/internal/server"
	"github.com/tendant/dealer-sso/internal/store"
	"github.com/tendant/dealer-sso/internal/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("authorization server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CookieSecretGenerated {
		logger.Warn("IDP_COOKIE_SECRET not set, generated a random one; sessions will not survive a restart")
	}

	backend, err := bootstrap.Open(ctx, cfg.StoreBackend, cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("initialized store", "backend", cfg.StoreBackend)

	sessionRepo := store.SessionRepository(backend.Sessions())
	readiness := []server.Option{server.WithReadinessCheck("store", backend.Ping)}
	if cfg.SessionBackend == "redis" {
		rs, err := redis.NewSessionStore(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return err
		}
		defer rs.Close()
		sessionRepo = rs
		readiness = append(readiness, server.WithReadinessCheck("redis", rs.Ping))
		logger.Info("using redis sessions", "addr", cfg.RedisAddr)
	}

	keys := crypto.NewKeyService(backend.Keys(),
		crypto.WithRotationPeriod(time.Duration(cfg.SigningKeyRotationDays)*24*time.Hour))
	active, err := keys.EnsureActiveKey(ctx)
	if err != nil {
		return err
	}
	logger.Info("signing key ready", "kid", active.Kid)
	generator := crypto.NewTokenGenerator(keys, cfg.IssuerURL)

	registry := oidc.NewClientRegistry(backend.Clients(), oidc.WithRegistryLogger(logger))
	seeded, err := bootstrap.Seed(ctx, bootstrap.FromConfig(cfg), backend.Users(), registry, logger)
	if err != nil {
		return err
	}
	logger.Info("bootstrap complete", "users_created", seeded.Users, "clients_created", seeded.Clients)

	var users auth.Directory = backend.Users()
	if cfg.DirectoryBackend == "remote" {
		client := peer.NewClient(
			map[string]string{directory.PeerName: cfg.DirectoryURL},
			peer.WithPeerKeys(map[string]string{directory.PeerName: cfg.DirectoryServiceKey}),
			peer.WithClientLogger(logger),
		)
		users = directory.NewRemote(client, directory.PeerName)
		logger.Info("using remote user directory", "url", cfg.DirectoryURL)
	}

	var events audit.Emitter = audit.NewLogEmitter(logger)
	if cfg.AuditAMQPURL != "" {
		publisher, err := audit.DialAMQP(cfg.AuditAMQPURL, cfg.AuditExchange, audit.WithAMQPLogger(logger))
		if err != nil {
			return err
		}
		defer publisher.Close()
		events = audit.Multi{events, publisher}
		logger.Info("publishing security events", "exchange", cfg.AuditExchange)
	}

	lockout := auth.NewLockoutService(cfg.LockoutMaxAttempts, cfg.LockoutDuration)
	verifier := auth.NewVerifier(users, auth.WithLockout(lockout), auth.WithVerifierLogger(logger))
	sessions := auth.NewSessionService(sessionRepo,
		auth.WithCookieSecure(cfg.CookieSecure),
		auth.WithCookieDomain(cfg.CookieDomain),
		auth.WithSessionTTL(cfg.SessionDuration),
	)
	csrf := auth.NewCSRFService(cfg.CookieSecret, cfg.CookieSecure, cfg.CookieDomain)
	authService := auth.NewService(users, verifier, sessions, csrf, auth.WithLogger(logger))

	logoutHandler, err := idphttp.NewLogoutHandler(authService, oidc.NewLogoutService(registry, generator),
		cfg.FrontendOrigin, events, logger)
	if err != nil {
		return err
	}

	routes := &idphttp.Routes{
		Auth:   authService,
		Login:  idphttp.NewLoginHandler(authService, cfg.FrontendOrigin, events, logger),
		Logout: logoutHandler,
		OIDC: idphttp.NewOIDCHandler(
			authService,
			oidc.NewAuthorizeService(registry, backend.AuthCodes(), cfg.AuthCodeTTL),
			oidc.NewConsentService(backend.Consents()),
			oidc.NewTokenService(registry, backend.AuthCodes(), backend.Tokens(), users, verifier, generator,
				oidc.WithTokenLogger(logger), oidc.WithAuditEmitter(events)),
			oidc.NewUserInfoService(users, generator),
			logger,
		),
		Discovery:      idphttp.NewDiscoveryHandler(cfg.IssuerURL),
		JWKS:           idphttp.NewJWKSHandler(keys, logger),
		LoginRateLimit: cfg.LoginRateLimit,
	}

	srv := server.NewServer(cfg.Addr(), append(readiness, server.WithLogger(logger))...)
	routes.Mount(srv.Router())

	janitor := &bootstrap.Janitor{
		Sessions:  sessionRepo,
		AuthCodes: backend.AuthCodes(),
		Tokens:    backend.Tokens(),
		Keys:      keys,
		Lockout:   lockout,
		Logger:    logger,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		janitor.Run(ctx, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("server started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL)
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
