// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quaverhq/quaver/internal/auth"
	"github.com/quaverhq/quaver/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("no request ID in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header %q != context %q", got, seen)
	}
}

func TestRequestIDHonorsUpstream(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := GetRequestID(r.Context()); got != "upstream-id" {
			t.Fatalf("request ID = %q, want upstream-id", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func newTokens() *auth.TokenManager {
	return auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)
}

func TestSessionMintsCookieForNewCaller(t *testing.T) {
	tokens := newTokens()
	var sessionID string
	handler := Session(tokens, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID = SessionID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if sessionID == "" {
		t.Fatal("no session ID in context")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != SessionCookie {
		t.Fatalf("cookies = %+v", cookies)
	}
	got, err := tokens.Verify(cookies[0].Value)
	if err != nil || got != sessionID {
		t.Fatalf("cookie verifies to %q (%v), want %q", got, err, sessionID)
	}
}

func TestSessionReusesValidCookie(t *testing.T) {
	tokens := newTokens()
	token, err := tokens.Mint("existing-session")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	handler := Session(tokens, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := SessionID(r.Context()); got != "existing-session" {
			t.Fatalf("session = %q, want existing-session", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("new cookie minted despite valid session")
	}
}

func TestSessionAcceptsBearerToken(t *testing.T) {
	tokens := newTokens()
	token, err := tokens.Mint("bearer-session")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	handler := Session(tokens, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := SessionID(r.Context()); got != "bearer-session" {
			t.Fatalf("session = %q, want bearer-session", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestSessionReplacesInvalidCookie(t *testing.T) {
	tokens := newTokens()
	handler := Session(tokens, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := SessionID(r.Context()); got == "" {
			t.Fatal("no session minted for invalid cookie")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "garbage"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if len(rec.Result().Cookies()) != 1 {
		t.Fatal("no replacement cookie minted")
	}
}

func TestPrometheusMetricsPassesThrough(t *testing.T) {
	handler := PrometheusMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health/live", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
}
