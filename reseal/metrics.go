package reseal

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsPrefix = "chainsensors_reseal_"

// Measures groups the reseal metrics.
var Measures = struct {
	Results      *prometheus.CounterVec
	StrategyWins *prometheus.CounterVec
	Duration     prometheus.Histogram
	Retries      prometheus.Counter
}{
	Results: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "total",
		Help: "Reseal attempts by outcome.",
	}, []string{"result"}),
	StrategyWins: prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "strategy_wins_total",
		Help: "Callback discoveries by winning strategy.",
	}, []string{"strategy"}),
	Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    metricsPrefix + "duration_seconds",
		Help:    "Time from submission to finalized purchase.",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300, 600},
	}),
	Retries: prometheus.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "retries_total",
		Help: "Reseal jobs rescheduled by the retry worker.",
	}),
}

func init() {
	prometheus.MustRegister(
		Measures.Results,
		Measures.StrategyWins,
		Measures.Duration,
		Measures.Retries,
	)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrResealTimeout):
		return "timeout"
	case errors.Is(err, ErrOnChainFailure):
		return "onchain_failure"
	case errors.Is(err, ErrAccountResolution):
		return "account_resolution"
	default:
		return "error"
	}
}
