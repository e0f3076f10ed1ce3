// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "intercom_auth"

// Callback outcomes reported by the callbacks_total counter.
const (
	OutcomeSuccess        = "success"
	OutcomeHandled        = "handled"
	OutcomeProviderDenied = "provider_denied"
	OutcomeInvalidState   = "invalid_state"
	OutcomeTokenExchange  = "token_exchange"
	OutcomeProfileFetch   = "profile_fetch"
	OutcomeHookRejected   = "hook_rejected"
	OutcomeSignInFailed   = "signin_failed"
	OutcomeAbandoned      = "abandoned"
	OutcomeError          = "error"
)

// metrics are the flow's prometheus collectors. A nil *metrics records
// nothing.
type metrics struct {
	challenges  prometheus.Counter
	callbacks   *prometheus.CounterVec
	backchannel *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, scheme string) (*metrics, error) {
	const op = "intercom.newMetrics"
	if reg == nil {
		return nil, nil
	}
	labels := prometheus.Labels{"scheme": scheme}
	m := &metrics{
		challenges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "challenges_total",
			Help:        "Number of redirects issued to the authorize endpoint.",
			ConstLabels: labels,
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "callbacks_total",
			Help:        "Number of callback requests by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		backchannel: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "backchannel_duration_seconds",
			Help:        "Latency of token exchange and profile requests.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"call", "result"}),
	}
	var err error
	if m.challenges, err = register(reg, m.challenges); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.callbacks, err = register(reg, m.callbacks); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.backchannel, err = register(reg, m.backchannel); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return m, nil
}

// register c, or return the collector already registered under the same
// descriptor so several middlewares can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) challenge() {
	if m == nil {
		return
	}
	m.challenges.Inc()
}

func (m *metrics) callback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

func (m *metrics) observe(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backchannel.WithLabelValues(call, result).Observe(time.Since(start).Seconds())
}

// outcome classifies a failed callback.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrProviderDenied):
		return OutcomeProviderDenied
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidParameter):
		return OutcomeInvalidState
	case errors.Is(err, ErrTokenExchange):
		return OutcomeTokenExchange
	case errors.Is(err, ErrProfileFetch):
		return OutcomeProfileFetch
	case errors.Is(err, ErrHookRejected):
		return OutcomeHookRejected
	case errors.Is(err, ErrSignInFailed):
		return OutcomeSignInFailed
	default:
		return OutcomeError
	}
}
