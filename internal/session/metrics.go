// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package session

import "github.com/prometheus/client_golang/prometheus"

// Operations counts session service operations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_session_operations_total",
		Help: "Total number of session service operations by outcome",
	},
	[]string{"op", "outcome"},
)

// RegisterMetrics registers session package metrics with the given
// Prometheus registry. Call at startup to expose them on /metrics.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
}
