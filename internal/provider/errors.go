// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies provider failures for retry policy.
type Kind int

const (
	// KindTransient: timeouts, rate limiting, network flaps. Retried
	// automatically up to the attempt ceiling.
	KindTransient Kind = iota

	// KindPermanent: not-found, forbidden, unsupported format. Never
	// retried; the job fails immediately.
	KindPermanent

	// KindAuth: the session is not (or no longer) authenticated.
	// Surfaced as a login-state change; jobs stay queued.
	KindAuth
)

// Stable reason codes rendered by clients. Keep these append-only.
const (
	CodeNetwork            = "network_error"
	CodeTimeout            = "timeout"
	CodeRateLimited        = "rate_limited"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeUnsupportedFormat  = "unsupported_format"
	CodeDecryptFailed      = "decrypt_failed"
	CodeNotLoggedIn        = "not_logged_in"
	CodeInvalidCredentials = "invalid_credentials"
	CodeCancelled          = "cancelled"
)

// Error is a classified provider failure with a stable reason code.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %s: %v", e.Code, e.Err)
	}
	return "provider: " + e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified provider error.
func NewError(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Retryable reports whether the error is transient per the §retry policy.
// Raw network and deadline errors from the transport count as transient
// even when not wrapped in *Error.
func Retryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsAuth reports whether the error is an authentication failure.
func IsAuth(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindAuth
}

// Code extracts the stable reason code, falling back to generic codes
// for unclassified errors.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeNetwork
}
