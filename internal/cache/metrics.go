// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package cache

import "github.com/prometheus/client_golang/prometheus"

// Tier label values for cache metrics.
const (
	TierMemory      = "memory"
	TierDistributed = "distributed"
	TierStore       = "store"
)

// Hits counts tiered cache resolutions by cache name and serving tier.
// Use RegisterMetrics to register this with a Prometheus registry.
var Hits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_cache_hits_total",
		Help: "Total number of tiered cache resolutions by serving tier",
	},
	[]string{"cache", "tier"},
)

// Degradations counts operations that fell back to the durable store
// because the distributed cache was unavailable.
// Use RegisterMetrics to register this with a Prometheus registry.
var Degradations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gatekeeper_cache_degradations_total",
		Help: "Total number of operations degraded past an unavailable distributed cache",
	},
	[]string{"cache", "op"},
)

// RegisterMetrics registers cache package metrics with the given
// Prometheus registry. Call at startup to expose them on /metrics.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Hits)
	reg.MustRegister(Degradations)
}
