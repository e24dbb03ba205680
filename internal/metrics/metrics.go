// Package metrics registers the process's github.com/prometheus/client_golang
// series. The bar cache and orchestrator update theirs; the broker, engine
// and proposer series are registered and exposed, but no code updates them.
// The teacher's go.mod carries this dependency but never imports it; this
// package gives it a home.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BarCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barcache_hits_total",
		Help: "Bar cache hits by symbol and timeframe.",
	}, []string{"symbol", "timeframe"})

	BarCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "barcache_misses_total",
		Help: "Bar cache misses by symbol and timeframe.",
	}, []string{"symbol", "timeframe"})

	BarCacheEntryBars = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "barcache_entry_bars",
		Help: "Number of bars currently cached per symbol/timeframe entry.",
	}, []string{"symbol", "timeframe"})

	OrchestratorActiveEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_active_engines",
		Help: "Number of currently active strategy engine instances.",
	})

	OrchestratorPendingPlans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_pending_plans",
		Help: "Number of plans observed in PENDING status on the last control loop tick.",
	})

	BrokerConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_connection_state",
		Help: "Broker adapter connection state: 0=disconnected 1=connecting 2=connected 3=ready.",
	})

	BrokerOrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_submitted_total",
		Help: "Orders submitted to the broker, by side.",
	}, []string{"side"})

	BrokerOrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_orders_rejected_total",
		Help: "Orders rejected by the broker, by error code.",
	}, []string{"code"})

	BrokerCancellationsIncomplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_cancellations_incomplete_total",
		Help: "Two-phase cancellations that failed to verify within the confirmation window.",
	})

	EngineStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_state_transitions_total",
		Help: "Strategy engine state transitions, by (from, to).",
	}, []string{"from", "to"})

	ProposerCandidatesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proposer_candidates_scored_total",
		Help: "Candidate plans scored by the strategy proposer.",
	})
)
