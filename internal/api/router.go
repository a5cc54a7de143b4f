// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quaverhq/quaver/internal/auth"
	"github.com/quaverhq/quaver/internal/middleware"
)

// NewRouter assembles the full route tree.
func NewRouter(h *Handler, tokens *auth.TokenManager) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	session := middleware.Session(tokens, h.cfg.Sessions.TokenTTL)

	// Health and metrics bypass session resolution and rate limits.
	r.Get("/api/health/live", h.handleHealthLive)
	r.Get("/api/health/ready", h.handleHealthReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// WebSocket upgrade: session-scoped, but outside the metrics
	// wrapper, which does not support hijacking.
	r.Group(func(r chi.Router) {
		r.Use(session)
		r.Get("/api/ws", h.handleWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByRealIP(h.cfg.Server.RateLimit, h.cfg.Server.RateLimitWindow))
		r.Use(middleware.PrometheusMetrics)
		r.Use(session)

		r.Get("/api/connect", h.handleConnect)
		r.Post("/api/login", h.handleLogin)
		r.Post("/api/logout", h.handleLogout)

		r.Route("/api/downloads", func(r chi.Router) {
			r.Get("/", h.handleListDownloads)
			r.Post("/", h.handleEnqueue)
			r.Delete("/finished", h.handleClearFinished)
			r.Delete("/{jobID}", h.handleCancelDownload)
		})

		r.Get("/api/favorites", h.handleFavorites)
		r.Get("/api/history", h.handleHistory)
	})

	return r
}
