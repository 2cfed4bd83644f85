package indexer

import "github.com/prometheus/client_golang/prometheus"

const metricsPrefix = "chainsensors_indexer_"

// Measures groups the indexer metrics.
var Measures = struct {
	Events       *prometheus.CounterVec
	Duplicates   prometheus.Counter
	Errors       *prometheus.CounterVec
	SlotLag      prometheus.Gauge
	LastSlot     prometheus.Gauge
	BackfillRuns *prometheus.CounterVec
	Purchases    prometheus.Counter
	Resubscribes *prometheus.CounterVec
}{
	Events: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "events_total",
		Help: "Persisted events by kind and source.",
	}, []string{"kind", "source"}),
	Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "duplicates_total",
		Help: "Events dropped by the dedup cache or the unique keys.",
	}),
	Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "errors_total",
		Help: "Indexer errors by phase.",
	}, []string{"phase"}),
	SlotLag: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "slot_lag",
		Help: "Chain slot minus the watermark slot.",
	}),
	LastSlot: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: metricsPrefix + "last_processed_slot",
		Help: "Slot of the durable watermark.",
	}),
	BackfillRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "backfill_runs_total",
		Help: "Backfill sweeps by result.",
	}, []string{"result"}),
	Purchases: prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "purchases_total",
		Help: "PurchaseFinalized events turned into reseal jobs.",
	}),
	Resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "resubscribes_total",
		Help: "Log subscriptions restored after a drop, by consumer.",
	}, []string{"consumer"}),
}

func init() {
	prometheus.MustRegister(
		Measures.Events,
		Measures.Duplicates,
		Measures.Errors,
		Measures.SlotLag,
		Measures.LastSlot,
		Measures.BackfillRuns,
		Measures.Purchases,
		Measures.Resubscribes,
	)
}
