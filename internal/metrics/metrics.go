// Package metrics defines the Prometheus collectors for the auth engine.
// Collectors are registered on the default registry; the router exposes
// them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignIns counts sign-in attempts by provider and outcome. Outcome is
	// "success", "started", "redirect", "silent" or the error code.
	SignIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_signin_total",
		Help: "Sign-in attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// RefreshExchanges counts refresh-token exchanges by outcome:
	// "success" or "rejected".
	RefreshExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_refresh_exchange_total",
		Help: "Refresh-token exchanges by outcome.",
	}, []string{"outcome"})

	// OAuthCallbacks counts provider callbacks by provider and outcome.
	OAuthCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_oauth_callback_total",
		Help: "OAuth callbacks by provider and outcome.",
	}, []string{"provider", "outcome"})

	// EvictedRows counts rows removed by the background eviction job, by
	// table.
	EvictedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatehouse_evicted_rows_total",
		Help: "Expired rows removed by the eviction job.",
	}, []string{"table"})
)
