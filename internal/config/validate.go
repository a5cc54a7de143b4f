// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural errors (via validator
// struct tags) and cross-field consistency rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	checks := []func() error{
		c.validateConcurrency,
		c.validateBackoff,
		c.validateSessions,
		c.validateProvider,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateConcurrency() error {
	if c.Downloads.SessionConcurrency > c.Downloads.Concurrency {
		return fmt.Errorf("DOWNLOADS_SESSION_CONCURRENCY (%d) must not exceed DOWNLOADS_CONCURRENCY (%d)",
			c.Downloads.SessionConcurrency, c.Downloads.Concurrency)
	}
	if c.Downloads.AttemptTimeout < time.Second {
		return fmt.Errorf("DOWNLOADS_ATTEMPT_TIMEOUT must be at least 1s")
	}
	return nil
}

func (c *Config) validateBackoff() error {
	if c.Downloads.BackoffBase <= 0 {
		return fmt.Errorf("DOWNLOADS_BACKOFF_BASE must be positive")
	}
	if c.Downloads.BackoffCap < c.Downloads.BackoffBase {
		return fmt.Errorf("DOWNLOADS_BACKOFF_CAP (%s) must be >= DOWNLOADS_BACKOFF_BASE (%s)",
			c.Downloads.BackoffCap, c.Downloads.BackoffBase)
	}
	return nil
}

func (c *Config) validateSessions() error {
	if c.Sessions.IdleTimeout < time.Minute {
		return fmt.Errorf("SESSIONS_IDLE_TIMEOUT must be at least 1m")
	}
	if c.Sessions.ReapInterval <= 0 || c.Sessions.ReapInterval > c.Sessions.IdleTimeout {
		return fmt.Errorf("SESSIONS_REAP_INTERVAL must be positive and no longer than the idle timeout")
	}
	return nil
}

func (c *Config) validateProvider() error {
	if c.Provider.ARL != "" && c.Provider.ARLFile != "" {
		return fmt.Errorf("PROVIDER_ARL and PROVIDER_ARL_FILE are mutually exclusive")
	}
	if c.Sessions.SingleUser && c.Provider.ARL == "" && c.Provider.ARLFile == "" {
		// Single-user mode without stored credentials still works; the
		// first browser login supplies them. Worth surfacing though.
		return nil
	}
	return nil
}
