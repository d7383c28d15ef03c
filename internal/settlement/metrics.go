package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_events_total",
		Help: "Processed settlement events by type and outcome.",
	}, []string{"type", "outcome"})

	anomaliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_anomalies_total",
		Help: "Completed payments that had no matching local purchase.",
	})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_duplicate_suppressions_total",
		Help: "Settlement signals ignored because the payment was already settled.",
	})

	staleVerifiedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_stale_verified_total",
		Help: "Stale pending purchases re-verified against the provider.",
	})
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeAnomaly   = "anomaly"
	outcomeError     = "error"
)
