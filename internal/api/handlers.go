// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/quaverhq/quaver/internal/config"
	"github.com/quaverhq/quaver/internal/history"
	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/middleware"
	"github.com/quaverhq/quaver/internal/models"
	"github.com/quaverhq/quaver/internal/provider"
	"github.com/quaverhq/quaver/internal/queue"
	"github.com/quaverhq/quaver/internal/registry"
	"github.com/quaverhq/quaver/internal/scheduler"
	ws "github.com/quaverhq/quaver/internal/websocket"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Handler bundles the API's dependencies.
type Handler struct {
	cfg      *config.Config
	registry *registry.Registry
	queue    *queue.Queue
	sched    *scheduler.Scheduler
	hub      *ws.Hub
	history  *history.Store
	upgrader websocket.Upgrader
}

// NewHandler wires the API handlers.
func NewHandler(cfg *config.Config, reg *registry.Registry, q *queue.Queue, sched *scheduler.Scheduler, hub *ws.Hub, hist *history.Store) *Handler {
	return &Handler{
		cfg:      cfg,
		registry: reg,
		queue:    q,
		sched:    sched,
		hub:      hub,
		history:  hist,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.Server.CORSOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowedSet[origin]
	}
}

// connectResponse bootstraps a client: who it is, its login state, and
// the current queue.
type connectResponse struct {
	Version string `json:"version"`
	// Autologin reports whether a stored credential can log the session
	// in without user input (single-user deployments).
	Autologin bool                  `json:"autologin"`
	Session   models.SessionInfo    `json:"session"`
	Queue     *models.QueueSnapshot `json:"queue"`
}

// handleConnect creates the session on first contact and returns its
// current state. Single-user deployments auto-login here so the first
// page load is already authenticated.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	h.registry.GetOrCreate(sessionID)

	if h.cfg.Sessions.SingleUser {
		if err := h.sched.EnsureLogin(r.Context(), sessionID); err != nil {
			// Auto-login is opportunistic; connect still succeeds.
			logging.Debug().Str("session_id", sessionID).Err(err).Msg("Auto-login not available")
		}
	}

	info, _ := h.registry.Info(sessionID)
	writeSuccess(w, r, http.StatusOK, connectResponse{
		Version:   Version,
		Autologin: h.autologinAvailable(),
		Session:   info,
		Queue:     h.queue.Snapshot(sessionID),
	})
}

func (h *Handler) autologinAvailable() bool {
	if !h.cfg.Sessions.SingleUser {
		return false
	}
	if h.cfg.Provider.ARL != "" || h.cfg.Provider.ARLFile != "" {
		return true
	}
	arl, err := h.history.LoadARL()
	return err == nil && arl != ""
}

type loginRequest struct {
	ARL string `json:"arl"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ARL == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "arl is required")
		return
	}

	user, err := h.registry.Login(r.Context(), sessionID, provider.Credentials{ARL: req.ARL})
	if err != nil {
		writeProviderError(w, r, err)
		return
	}

	// A fresh login lifts any auth pause on the session's queue.
	h.queue.ResumeSession(sessionID)

	if h.cfg.Sessions.SingleUser {
		if err := h.history.SaveARL(req.ARL); err != nil {
			logging.Warn().Err(err).Msg("Credential persist failed")
		}
	}
	writeSuccess(w, r, http.StatusOK, user)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())

	// Jobs cannot proceed without a login; cancel them before dropping
	// the provider client.
	h.queue.CancelSession(sessionID)
	h.registry.Logout(sessionID)
	if h.cfg.Sessions.SingleUser {
		if err := h.history.ClearARL(); err != nil {
			logging.Warn().Err(err).Msg("Credential clear failed")
		}
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{"status": "logged_out"})
}

type enqueueRequest struct {
	Targets []models.Target `json:"targets"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Targets) == 0 {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "at least one target is required")
		return
	}
	for _, target := range req.Targets {
		switch target.Type {
		case models.TargetTrack, models.TargetAlbum, models.TargetPlaylist:
		default:
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "unknown target type "+string(target.Type))
			return
		}
		if target.ID == "" {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "target id is required")
			return
		}
	}

	jobs, err := h.sched.Enqueue(r.Context(), sessionID, req.Targets)
	if err != nil {
		writeProviderError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, jobs)
}

func (h *Handler) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	h.registry.Touch(sessionID)
	writeSuccess(w, r, http.StatusOK, h.queue.Snapshot(sessionID))
}

func (h *Handler) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	jobID := chi.URLParam(r, "jobID")

	job, ok := h.queue.Get(jobID)
	if !ok || job.SessionID != sessionID {
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown job")
		return
	}
	if err := h.queue.Cancel(jobID); err != nil {
		if errors.Is(err, queue.ErrJobTerminal) {
			writeError(w, r, http.StatusConflict, ErrCodeConflict, "job already finished")
			return
		}
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown job")
		return
	}
	writeSuccess(w, r, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	cleared := h.queue.ClearFinished(sessionID)
	writeSuccess(w, r, http.StatusOK, map[string]int{"cleared": cleared})
}

func (h *Handler) handleFavorites(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	if err := h.sched.EnsureLogin(r.Context(), sessionID); err != nil {
		writeProviderError(w, r, err)
		return
	}
	session := h.registry.GetOrCreate(sessionID)
	favorites, err := session.Client.FetchFavorites(r.Context())
	if err != nil {
		writeProviderError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, favorites)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "limit must be 1-1000")
			return
		}
		limit = parsed
	}
	entries, err := h.history.List(sessionID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeSuccess(w, r, http.StatusOK, entries)
}

// handleWS upgrades to WebSocket and streams the session's events.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionID(r.Context())
	h.registry.GetOrCreate(sessionID)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	h.hub.Serve(r.Context(), conn, sessionID)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"sessions": h.registry.Len(),
		"running":  h.queue.RunningCount(),
	})
}
