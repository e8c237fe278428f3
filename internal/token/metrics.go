// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package token

import "github.com/prometheus/client_golang/prometheus"

// Operations counts token authority operations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_token_operations_total",
		Help: "Total number of token authority operations by outcome",
	},
	[]string{"op", "outcome"},
)

// RegisterMetrics registers token package metrics with the given
// Prometheus registry. Call at startup to expose them on /metrics.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Operations)
}
