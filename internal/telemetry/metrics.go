package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation and gateway counters, exported at /metrics.
var (
	// CallbackDecisions counts reconciliation outcomes by decision:
	// applied, duplicate, orphan, unknown_shape.
	CallbackDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callback_decisions_total",
		Help: "Reconciliation decisions for inbound provider callbacks",
	}, []string{"decision"})

	TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_token_refreshes_total",
		Help: "OAuth2 client-credentials exchanges performed",
	})

	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_sweep_runs_total",
		Help: "Background reconciliation sweep executions",
	})

	NotifyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mpesa_notify_retries_total",
		Help: "Retried side-effect notification deliveries",
	})
)
