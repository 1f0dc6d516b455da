// Package metrics exposes the Prometheus collectors for the signal
// pipeline. Collectors are registered on the default registry and served
// through the ops API via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal counts pipeline ticks.
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_ticks_total",
		Help: "Number of pipeline ticks processed.",
	})

	// CardsEmittedTotal counts dispatched proposal cards per strategy.
	CardsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_cards_emitted_total",
		Help: "Proposal cards dispatched, by strategy.",
	}, []string{"strategy"})

	// CardsBlockedTotal counts risk-blocked candidates per reason.
	CardsBlockedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_cards_blocked_total",
		Help: "Winning candidates blocked by the risk engine, by reason.",
	}, []string{"reason"})

	// StrategyCandidatesTotal counts raw candidates per strategy.
	StrategyCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_strategy_candidates_total",
		Help: "Candidate cards produced by strategies before arbitration.",
	}, []string{"strategy"})

	// SourceMode is 1 when the symbol group streams over WS, 0 on REST.
	SourceMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_source_mode_ws",
		Help: "1 while the data source runs in WS mode, 0 in REST mode.",
	})

	// WSReconnectsTotal counts WS reconnect attempts.
	WSReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signal_ws_reconnects_total",
		Help: "WS reconnect attempts during REST fallback.",
	})

	// FailoversTotal counts WS to REST failovers per reason.
	FailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_failovers_total",
		Help: "WS to REST failovers, by reason.",
	}, []string{"reason"})

	// RESTRequestsTotal counts exchange REST calls by endpoint and outcome.
	RESTRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_rest_requests_total",
		Help: "Exchange REST requests, by endpoint and result.",
	}, []string{"endpoint", "result"})

	// DispatchLatency observes card dispatch latency in milliseconds.
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signal_dispatch_latency_ms",
		Help:    "End-to-end card dispatch latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	// DataAge tracks per-symbol data ages in milliseconds.
	DataAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signal_data_age_ms",
		Help: "Age of the latest datum per symbol and kind.",
	}, []string{"symbol", "kind"})

	// ClockSkew tracks the measured local-to-server clock skew.
	ClockSkew = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signal_clock_skew_ms",
		Help: "Last measured server-local clock skew in milliseconds.",
	})
)
