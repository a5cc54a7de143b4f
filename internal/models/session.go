// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package models

import "time"

// LoginState is a session's provider authentication state.
type LoginState string

const (
	LoginAnonymous      LoginState = "anonymous"
	LoginAuthenticating LoginState = "authenticating"
	LoginAuthenticated  LoginState = "authenticated"
)

// User describes the provider account a session is logged in as.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
	Plan    string `json:"plan,omitempty"`
}

// SessionInfo is the externally visible session state (the connect
// handshake payload and login-change deltas carry it).
type SessionInfo struct {
	SessionID    string     `json:"session_id"`
	LoginState   LoginState `json:"login_state"`
	User         *User      `json:"user,omitempty"`
	LastActivity time.Time  `json:"last_activity"`
}
