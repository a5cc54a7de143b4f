// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package api serves the HTTP surface: session bootstrap, login,
// download management, favorites, history, the WebSocket upgrade, and
// health probes. All JSON endpoints share one response envelope.
package api

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/middleware"
	"github.com/quaverhq/quaver/internal/provider"
)

// APIResponse is the envelope for every JSON endpoint.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError carries a machine-readable code plus a human message.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// APIMeta is per-response metadata.
type APIMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes for API responses.
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeTooManyRequests = "TOO_MANY_REQUESTS"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeProviderError   = "PROVIDER_ERROR"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, resp APIResponse) {
	resp.Meta = &APIMeta{
		RequestID: middleware.GetRequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("Response encode failed")
	}
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, r, status, APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetRequestID(r.Context()),
		},
	})
}

// writeProviderError maps the provider error taxonomy onto HTTP.
func writeProviderError(w http.ResponseWriter, r *http.Request, err error) {
	code := provider.Code(err)
	switch {
	case provider.IsAuth(err):
		writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, code)
	case code == provider.CodeNotFound:
		writeError(w, r, http.StatusNotFound, ErrCodeNotFound, code)
	case code == provider.CodeForbidden:
		writeError(w, r, http.StatusForbidden, ErrCodeForbidden, code)
	case code == provider.CodeRateLimited:
		writeError(w, r, http.StatusTooManyRequests, ErrCodeTooManyRequests, code)
	case provider.Retryable(err):
		writeError(w, r, http.StatusBadGateway, ErrCodeProviderError, code)
	default:
		writeError(w, r, http.StatusBadGateway, ErrCodeProviderError, code)
	}
}
