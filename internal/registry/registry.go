// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package registry maintains the per-session provider clients. Every
// browser session gets its own authenticated client so concurrent users
// never share credentials or rate-limit budgets. Sessions are created
// lazily on first contact and reaped after an idle timeout.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/models"
	"github.com/quaverhq/quaver/internal/provider"
)

// Factory builds a fresh provider client for a new session.
type Factory func() provider.Client

// Notifier receives login-state changes so they can be pushed to the
// session's sync channel.
type Notifier interface {
	PublishLoginChange(change models.LoginChange)
}

// Session pairs a session identifier with its provider client and
// activity bookkeeping. LoginState is guarded by the registry mutex,
// not by the session itself.
type Session struct {
	ID           string
	Client       provider.Client
	loginState   models.LoginState
	user         *models.User
	lastActivity time.Time
}

// Registry is the authoritative map of live sessions. All mutations go
// through a single mutex so a session cannot be resurrected while an
// eviction is in flight.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  Factory
	notifier Notifier
	now      func() time.Time
}

// New returns an empty registry. notifier may be nil during tests.
func New(factory Factory, notifier Notifier) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
		notifier: notifier,
		now:      time.Now,
	}
}

// GetOrCreate returns the session for sessionID, creating it (and its
// provider client) on first use. Concurrent calls for the same ID
// observe exactly one client instance.
func (r *Registry) GetOrCreate(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.lastActivity = r.now()
		return s
	}
	s := &Session{
		ID:           sessionID,
		Client:       r.factory(),
		loginState:   models.LoginAnonymous,
		lastActivity: r.now(),
	}
	r.sessions[sessionID] = s
	logging.Info().Str("session_id", sessionID).Msg("Session created")
	return s
}

// Get returns the session if it exists without refreshing its activity.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Touch refreshes the idle clock for sessionID. Unknown IDs are a no-op.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.lastActivity = r.now()
	}
}

// Remove drops the session from the map and reports whether it was
// present. Callers must cancel the session's jobs before removing it;
// see scheduler.DestroySession for the full teardown ordering.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	delete(r.sessions, sessionID)
	logging.Info().Str("session_id", sessionID).Msg("Session removed")
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Expired returns the IDs of sessions idle longer than maxIdle.
func (r *Registry) Expired(maxIdle time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxIdle)
	var ids []string
	for id, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Info returns a point-in-time view of the session for API responses.
func (r *Registry) Info(sessionID string) (models.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return models.SessionInfo{}, false
	}
	return models.SessionInfo{
		SessionID:    s.ID,
		LoginState:   s.loginState,
		User:         s.user,
		LastActivity: s.lastActivity,
	}, true
}

// LoginState reports the session's current login state. Unknown
// sessions are anonymous.
func (r *Registry) LoginState(sessionID string) models.LoginState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s.loginState
	}
	return models.LoginAnonymous
}

// Login authenticates the session's client with the given credentials.
// The session moves through authenticating before settling in either
// authenticated or back to anonymous, and each settled transition is
// pushed to the session's sync channel.
func (r *Registry) Login(ctx context.Context, sessionID string, creds provider.Credentials) (*models.User, error) {
	s := r.GetOrCreate(sessionID)
	r.setLoginState(sessionID, models.LoginAuthenticating, nil, "")

	user, err := s.Client.Login(ctx, creds)
	if err != nil {
		r.setLoginState(sessionID, models.LoginAnonymous, nil, provider.Code(err))
		logging.Warn().Str("session_id", sessionID).Err(err).Msg("Login failed")
		return nil, err
	}
	r.setLoginState(sessionID, models.LoginAuthenticated, user, "")
	logging.Info().
		Str("session_id", sessionID).
		Str("user", user.Name).
		Str("plan", user.Plan).
		Msg("Login succeeded")
	return user, nil
}

// Logout returns the session to the anonymous state. The whole session
// entry is replaced with a fresh client so no stale tokens survive;
// Session.Client is never mutated after construction, which keeps
// concurrent readers race-free.
func (r *Registry) Logout(sessionID string) {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	if ok {
		r.sessions[sessionID] = &Session{
			ID:           sessionID,
			Client:       r.factory(),
			loginState:   models.LoginAnonymous,
			lastActivity: r.now(),
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.setLoginState(sessionID, models.LoginAnonymous, nil, "")
	logging.Info().Str("session_id", sessionID).Msg("Logged out")
}

// MarkLoggedOut flips an authenticated session back to anonymous after
// the provider rejected its credentials mid-download. The error code is
// forwarded so clients can prompt for a fresh login.
func (r *Registry) MarkLoggedOut(sessionID, errorCode string) {
	r.setLoginState(sessionID, models.LoginAnonymous, nil, errorCode)
}

func (r *Registry) setLoginState(sessionID string, state models.LoginState, user *models.User, errorCode string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		s.loginState = state
		s.user = user
	}
	r.mu.Unlock()
	if !ok || r.notifier == nil {
		return
	}
	r.notifier.PublishLoginChange(models.LoginChange{
		SessionID:  sessionID,
		LoginState: state,
		User:       user,
		ErrorCode:  errorCode,
	})
}
