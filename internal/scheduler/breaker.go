// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

package scheduler

import (
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/quaverhq/quaver/internal/logging"
	"github.com/quaverhq/quaver/internal/metrics"
	"github.com/quaverhq/quaver/internal/provider"
)

// providerBreaker shields the provider from hammering while it is
// down: metadata and media calls share one circuit. Auth failures do
// not count against the circuit; they are a credential problem, not a
// provider outage.
type providerBreaker struct {
	cb *gobreaker.CircuitBreaker[interface{}]
}

func newProviderBreaker() *providerBreaker {
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "provider-api",
		MaxRequests: 3,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Provider circuit breaker state change")
			metrics.ProviderBreakerState.Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || provider.IsAuth(err)
		},
	})
	return &providerBreaker{cb: cb}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// execute runs fn through the circuit. An open circuit surfaces as a
// transient provider error so the job retries with backoff.
func (b *providerBreaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return provider.NewError(provider.KindTransient, provider.CodeRateLimited, err)
	}
	return err
}
