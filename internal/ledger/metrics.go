package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "events_total",
		Help:      "Ledger events by kind and outcome (applied, insufficient, not_found, transient, invalid, error).",
	}, []string{"kind", "outcome"})

	duplicateEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "creditledger",
		Subsystem: "ledger",
		Name:      "duplicate_events_total",
		Help:      "Redelivered events answered from the processed-event record.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(eventsTotal, duplicateEventsTotal)
}
