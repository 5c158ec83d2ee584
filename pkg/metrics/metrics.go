// Package metrics exposes Prometheus instrumentation for the engine.
//
// Metrics are registered through promauto so that importing the package is
// enough; the training or serving harness decides whether to mount an
// exporter endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperatorBuilds counts operator-set builds, labeled by normalization
	// scheme. Rebuild storms here usually mean the harness is not reusing
	// mesh snapshots.
	OperatorBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equimesh_operator_builds_total",
			Help: "Total number of sparse operator set builds",
		},
		[]string{"normalization"},
	)

	// OperatorBuildDuration measures time spent assembling operator sets.
	OperatorBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "equimesh_operator_build_duration_seconds",
			Help:    "Duration of sparse operator set builds in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Convolutions counts core transform applications by kind
	// (gradient, divergence, laplacian).
	Convolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equimesh_convolutions_total",
			Help: "Total number of tensor convolution transforms applied",
		},
		[]string{"kind"},
	)

	// ConvolutionDuration measures single-transform latency by kind.
	ConvolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "equimesh_convolution_duration_seconds",
			Help:    "Duration of tensor convolution transforms in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"kind"},
	)

	// ArenaSets tracks how many operator sets are currently cached.
	ArenaSets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "equimesh_arena_sets",
			Help: "Number of operator sets held by the arena",
		},
	)
)
