// Package main runs one of the dealer-sso domain services: user, client,
// vehicle or purchase_sale, selected by SERVICE_NAME.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/dealer-sso/internal/bootstrap"
	"github.com/tendant/dealer-sso/internal/config"
	"github.com/tendant/dealer-sso/internal/logging"
	"github.com/tendant/dealer-sso/internal/peer"
	"github.com/tendant/dealer-sso/internal/resource"
	"github.com/tendant/dealer-sso/internal/server"
	"github.com/tendant/dealer-sso/internal/service"
	"github.com/tendant/dealer-sso/internal/trust"
)

func main() {
	cfg, err := config.LoadService()
	if err != nil {
		slog.Error("failed to load service config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogFormat, cfg.LogLevel).With("service", cfg.Name)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.ServiceConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Name {
	case service.User, service.Client, service.Vehicle, service.PurchaseSale:
	default:
		return fmt.Errorf("unknown service %q", cfg.Name)
	}
	if cfg.InternalKey == "" {
		logger.Warn("SERVICE_INTERNAL_KEY not set, internal service calls are disabled")
	}

	filter, err := trust.NewFilter(cfg.Name, cfg.InternalKey, logger)
	if err != nil {
		return err
	}
	keys, err := resource.NewJWKSProvider(ctx, cfg.JWKSURL, nil)
	if err != nil {
		return err
	}

	routes := &service.Routes{
		Name:      cfg.Name,
		Trust:     filter,
		Validator: resource.NewValidator(keys, cfg.IssuerURL),
		Logger:    logger,
	}

	var opts []server.Option
	if cfg.Name == service.User {
		kind := bootstrap.BackendFile
		if cfg.DatabaseURL != "" {
			kind = bootstrap.BackendPostgres
		}
		backend, err := bootstrap.Open(ctx, kind, cfg.DataDir, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer backend.Close()
		routes.Users = backend.Users()
		opts = append(opts, server.WithReadinessCheck("store", backend.Ping))
	}

	if peers := cfg.ParsePeers(); len(peers) > 0 {
		routes.Peers = peer.NewClient(peers,
			peer.WithPeerKeys(cfg.ParsePeerKeys()),
			peer.WithTimeout(cfg.PeerTimeout),
			peer.WithBreakerConfig(peer.BreakerConfig{
				FailureRate:   cfg.BreakerFailureRate,
				Window:        cfg.BreakerWindow,
				MinimumCalls:  cfg.BreakerMinimumCalls,
				OpenDuration:  cfg.BreakerOpenDuration,
				HalfOpenCalls: cfg.BreakerHalfOpenCalls,
			}),
			peer.WithClientLogger(logger),
		)
	} else if cfg.Name == service.PurchaseSale {
		return errors.New("purchase_sale requires SERVICE_PEERS")
	}

	srv := server.NewServer(cfg.Addr(), append(opts, server.WithLogger(logger))...)
	routes.Mount(srv.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("service started", "addr", cfg.Addr())
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("service stopped")
	return nil
}
