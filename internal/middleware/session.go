// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/quaverhq/quaver/internal/auth"
	"github.com/quaverhq/quaver/internal/logging"
)

const (
	sessionIDKey contextKey = "session_id"

	// SessionCookie carries the signed session token between requests.
	SessionCookie = "quaver_session"
)

// Session resolves the caller's session from its signed token, minting
// a fresh session (and cookie) when the token is absent, invalid, or
// expired. Every API request therefore always has a session ID in
// context; the registry creates the provider client lazily.
func Session(tokens *auth.TokenManager, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := ""
			if token := bearerToken(r); token != "" {
				if id, err := tokens.Verify(token); err == nil {
					sessionID = id
				}
			}
			if sessionID == "" {
				if cookie, err := r.Cookie(SessionCookie); err == nil {
					if id, err := tokens.Verify(cookie.Value); err == nil {
						sessionID = id
					}
				}
			}
			if sessionID == "" {
				sessionID = auth.NewSessionID()
				token, err := tokens.Mint(sessionID)
				if err != nil {
					logging.Error().Err(err).Msg("Session token mint failed")
					http.Error(w, "internal error", http.StatusInternalServerError)
					return
				}
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookie,
					Value:    token,
					Path:     "/",
					MaxAge:   int(ttl.Seconds()),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}
			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionID extracts the resolved session ID from context.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
