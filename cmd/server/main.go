// Locus - Realtime Location Presence Server
// Copyright 2026 Alex Roth (alexroth96)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/alexroth96/locus

// Package main is the entry point for the Locus server.
//
// Locus is a self-hosted realtime location presence server. Clients
// authenticate with a JWT, connect over WebSocket, report coordinates,
// and receive a full registry snapshot whenever anyone joins, moves, or
// leaves. Optional reverse geocoding enriches entries with a
// human-readable address.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: environment variables and config file (Koanf v2)
//  2. User store: BadgerDB account records (or in-memory for development)
//  3. Identity: JWT manager for token issue and verification
//  4. Presence registry and WebSocket hub
//  5. Geocoder: Nominatim reverse-geocoding client (optional)
//  6. HTTP server: Chi router with auth, health, metrics, and /ws
//
// The hub and HTTP server run under a suture supervisor tree so a crash
// in one layer restarts it without taking the other down.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables
//   - Config file (config.yaml, or CONFIG_PATH)
//   - Built-in defaults
//
// Required settings:
//   - JWT_SECRET: 32+ character secret for token signing
//
// Common settings:
//   - PORT: HTTP listen port (default 3001)
//   - USERS_PATH: BadgerDB directory for accounts (empty = in-memory)
//   - CORS_ORIGINS: comma-separated allowed origins
//   - GEOCODE_ENABLED: enable Nominatim address enrichment
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the hub
// closes all WebSocket connections and the HTTP server drains in-flight
// requests with a bounded timeout.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alexroth96/locus/internal/api"
	"github.com/alexroth96/locus/internal/auth"
	"github.com/alexroth96/locus/internal/config"
	"github.com/alexroth96/locus/internal/geocode"
	"github.com/alexroth96/locus/internal/logging"
	"github.com/alexroth96/locus/internal/metrics"
	"github.com/alexroth96/locus/internal/presence"
	"github.com/alexroth96/locus/internal/supervisor"
	"github.com/alexroth96/locus/internal/supervisor/services"
	ws "github.com/alexroth96/locus/internal/websocket"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config is not yet available, use the default logger.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Str("version", version).Msg("Starting Locus")
	metrics.AppInfo.WithLabelValues(version, runtime.Version()).Set(1)

	startTime := time.Now()
	go func() {
		for range time.Tick(15 * time.Second) {
			metrics.AppUptime.Set(time.Since(startTime).Seconds())
		}
	}()

	// User store: BadgerDB when a path is configured, in-memory otherwise.
	var store auth.UserStore
	if cfg.Users.Path != "" {
		badgerStore, err := auth.NewBadgerUserStore(cfg.Users.Path)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.Users.Path).Msg("Failed to open user store")
		}
		store = badgerStore
		logging.Info().Str("path", cfg.Users.Path).Msg("User store opened")
	} else {
		store = auth.NewMemoryUserStore()
		logging.Warn().Msg("No users path configured, accounts are in-memory and lost on restart")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing user store")
		}
	}()

	users := auth.NewUserService(store, cfg.Security.BcryptCost)

	jwtManager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize JWT manager")
	}

	registry := presence.NewRegistry()

	var geocoder ws.AddressResolver
	if cfg.Geocode.Enabled {
		geocoder = geocode.NewClient(&cfg.Geocode)
		logging.Info().Str("url", cfg.Geocode.URL).Msg("Reverse geocoding enabled")
	} else {
		logging.Info().Msg("Reverse geocoding disabled")
	}

	hub := ws.NewHub(registry, geocoder)

	handler := api.NewHandler(cfg, users, jwtManager, hub, version)
	router := api.NewRouter(handler, cfg)

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog compatibility.
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddPresenceService(services.NewHubService(hub))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
