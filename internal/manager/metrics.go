package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "generations_total",
			Help:      "Generations by outcome",
		},
		[]string{"result"},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of completed generations",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	generationTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "generation_tokens_total",
			Help:      "Tokens produced across all generations",
		},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Model loads by outcome",
		},
		[]string{"result"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "load_duration_seconds",
			Help:      "Wall time of model loads, downloads included",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	cleanupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlxd",
			Subsystem: "manager",
			Name:      "cleanups_total",
			Help:      "Memory release passes by trigger",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal,
		generationDuration,
		generationTokens,
		loadsTotal,
		loadDuration,
		cleanupsTotal,
	)
}
