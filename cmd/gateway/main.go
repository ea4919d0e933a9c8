// Package main is the entry point for the dealer-sso browser gateway.
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

	"github.com/tendant/dealer-sso/internal/config"
	"github.com/tendant/dealer-sso/internal/gateway"
	"github.com/tendant/dealer-sso/internal/logging"
	"github.com/tendant/dealer-sso/internal/resource"
	"github.com/tendant/dealer-sso/internal/server"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		slog.Error("failed to load gateway config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.GatewayConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SessionSecretGenerated {
		logger.Warn("GATEWAY_SESSION_SECRET not set, generated a random one; sessions will not survive a restart")
	}
	if cfg.SessionDir != "" {
		if err := os.MkdirAll(cfg.SessionDir, 0o700); err != nil {
			return err
		}
	}

	keys, err := resource.NewJWKSProvider(ctx, cfg.JWKSURL, nil)
	if err != nil {
		return err
	}
	validator := resource.NewValidator(keys, cfg.IssuerURL)

	sessions := gateway.NewSessions(cfg.SessionDir, cfg.SessionSecret, cfg.SessionMaxAge, cfg.CookieSecure)
	login, err := gateway.NewLogin(gateway.OIDCConfig{
		IssuerURL:      cfg.IssuerURL,
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		RedirectURL:    cfg.CallbackURL(),
		Scopes:         cfg.ScopeList(),
		FrontendOrigin: cfg.FrontendOrigin,
	}, sessions, logger)
	if err != nil {
		return err
	}

	routes := cfg.ParseRoutes()
	proxy, err := gateway.NewProxy(routes, nil, logger)
	if err != nil {
		return err
	}

	// Proxied calls are bounded by the upstream, not the gateway.
	srv := server.NewServer(cfg.Addr(),
		server.WithLogger(logger),
		server.WithRequestTimeout(0),
		server.WithMiddleware(server.CORSMiddleware(server.FrontendCORSConfig(cfg.FrontendOrigin))),
	)
	(&gateway.Routes{
		Propagator: gateway.NewPropagator(validator, sessions, logger),
		Login:      login,
		Proxy:      proxy,
		Logger:     logger,
	}).Mount(srv.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway started", "addr", cfg.Addr(), "issuer", cfg.IssuerURL, "routes", len(routes))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
