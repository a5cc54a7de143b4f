// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package main is the entry point for the Quaver server.
//
// Quaver is a self-hosted, multi-user music download coordinator. Each
// browser session gets its own provider client and its own slice of the
// download queue; a shared scheduler drives downloads with per-session
// fairness, retry with exponential backoff, and real-time progress
// pushed over WebSocket.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: Load settings from environment variables and config files (Koanf v2)
//  2. History: Open the BadgerDB store for completed downloads and the stored credential
//  3. Sync Channel: In-process pub/sub (Watermill) carrying queue deltas per session
//  4. Queue + Registry: The shared job queue and the per-session client registry
//  5. Scheduler: Worker pool dispatching jobs round-robin across sessions
//  6. WebSocket Hub: Snapshot-then-deltas push to connected clients
//  7. HTTP Server: REST API with session cookies (chi router)
//
// All long-running components run under a suture supervision tree split
// into engine, messaging, and api layers.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables (QUAVER_ prefix), config file
// (config.yaml), built-in defaults.
//
// Single-user mode (SESSIONS_SINGLE_USER=true) auto-logs every session
// in with the stored credential, either PROVIDER_ARL / PROVIDER_ARL_FILE
// or the last credential saved through the login endpoint.
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the HTTP
// server drains in-flight requests, running downloads are cancelled,
// and the history store is closed.
//
// # Example Usage
//
// Multi-user mode (each session logs in through the UI):
//
//	export DOWNLOADS_DIRECTORY=/music
//	./quaver
//
// Single-user mode with a stored credential:
//
//	export SESSIONS_SINGLE_USER=true
//	export PROVIDER_ARL_FILE=/run/secrets/arl
//	export DOWNLOADS_DIRECTORY=/music
//	./quaver
//
// # Port 6595
//
// The default port 6595 matches the classic deemix web port so existing
// reverse-proxy setups keep working.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quaverhq/quaver/internal/api"
	"github.com/quaverhq/quaver/internal/auth"
	"github.com/quaverhq/quaver/internal/config"
	"github.com/quaverhq/quaver/internal/history"
	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/provider"
	"github.com/quaverhq/quaver/internal/push"
	"github.com/quaverhq/quaver/internal/queue"
	"github.com/quaverhq/quaver/internal/registry"
	"github.com/quaverhq/quaver/internal/scheduler"
	"github.com/quaverhq/quaver/internal/supervisor"
	"github.com/quaverhq/quaver/internal/supervisor/services"
	"github.com/quaverhq/quaver/internal/tagging"
	ws "github.com/quaverhq/quaver/internal/websocket"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Bool("single_user", cfg.Sessions.SingleUser).
		Str("downloads_dir", cfg.Downloads.Directory).
		Int("concurrency", cfg.Downloads.Concurrency).
		Msg("Configuration loaded")

	// History store (downloads + stored credential). Optional: a nil
	// store is a no-op everywhere it is consumed.
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path, cfg.History.Retention)
		if err != nil {
			logging.Fatal().Err(err).Str("path", cfg.History.Path).Msg("Failed to open history store")
		}
		defer func() {
			if err := hist.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing history store")
			}
		}()
		logging.Info().Str("path", cfg.History.Path).Msg("History store opened")
	} else {
		logging.Info().Msg("History store disabled")
	}

	// Sync channel: every job delta and login change flows through here
	// on its way to connected WebSocket clients.
	channel := push.New()

	jobQueue := queue.New(queue.Limits{
		Global:     cfg.Downloads.Concurrency,
		PerSession: cfg.Downloads.SessionConcurrency,
	}, channel)

	reg := registry.New(func() provider.Client {
		return provider.NewDeezerClient(provider.Options{
			RateLimit: cfg.Provider.RateLimit,
			RateBurst: cfg.Provider.RateBurst,
			Timeout:   cfg.Provider.Timeout,
		})
	}, channel)

	sched := scheduler.New(cfg, jobQueue, reg, newCredentialSource(cfg, hist), hist, tagging.New())

	wsHub := ws.NewHub(channel, jobQueue, reg.Touch)

	tokens := auth.NewTokenManager(cfg.Sessions.TokenSecret, cfg.Sessions.TokenTTL)
	handler := api.NewHandler(cfg, reg, jobQueue, sched, wsHub, hist)
	router := api.NewRouter(handler, tokens)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	// === BUILD SUPERVISOR TREE ===

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Engine layer services
	tree.AddEngineService(services.NewSchedulerService(sched))
	tree.AddEngineService(services.NewReaperService(sched, cfg.Sessions.ReapInterval))

	// Messaging layer services
	tree.AddMessagingService(services.NewSyncChannelService(channel))
	tree.AddMessagingService(services.NewWebSocketHubService(wsHub))

	// API layer services
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	// === START SUPERVISOR TREE ===

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

	// Wait for the error channel to close (supervisor finished)
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Application stopped gracefully")
}

// credentialSource resolves the single-user ARL. Config wins over the
// stored credential so operators can rotate the ARL by restart.
type credentialSource struct {
	arl     string
	arlFile string
	store   *history.Store
}

func newCredentialSource(cfg *config.Config, store *history.Store) scheduler.CredentialSource {
	return &credentialSource{
		arl:     cfg.Provider.ARL,
		arlFile: cfg.Provider.ARLFile,
		store:   store,
	}
}

func (c *credentialSource) LoadARL() (string, error) {
	if c.arl != "" {
		return c.arl, nil
	}
	if c.arlFile != "" {
		data, err := os.ReadFile(c.arlFile)
		if err != nil {
			return "", fmt.Errorf("read arl file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.store.LoadARL()
}
