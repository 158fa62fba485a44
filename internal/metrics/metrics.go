package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (numerical or dependency issues).
	OutcomeError = "error"
	// OutcomeCanceled labels operations abandoned through their context.
	OutcomeCanceled = "canceled"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seirisk",
			Name:      "operations_total",
			Help:      "Total number of model operations handled, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	operationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seirisk",
			Name:      "operation_seconds",
			Help:      "Model operation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	riskGridCellsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seirisk",
			Name:      "risk_grid_cells_total",
			Help:      "Total number of outbreak-risk grid cells evaluated.",
		},
	)

	extinctionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "seirisk",
			Name:      "extinction_failures_total",
			Help:      "Extinction-probability solves that did not converge.",
		},
	)

	calibrationIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "seirisk",
			Name:      "calibration_iterations",
			Help:      "Levenberg-Marquardt iterations used per calibration.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	presetReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seirisk",
			Name:      "preset_reloads_total",
			Help:      "Scenario preset file reloads, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches seirisk collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		operationsTotal,
		operationDurationSeconds,
		riskGridCellsTotal,
		extinctionFailuresTotal,
		calibrationIterations,
		presetReloadsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveOperation records an operation duration and outcome label.
func ObserveOperation(operation string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError && label != OutcomeCanceled {
		label = OutcomeSuccess
	}
	operationsTotal.WithLabelValues(operation, label).Inc()
	if duration < 0 {
		duration = 0
	}
	operationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRiskGrid records the size of an evaluated grid and its failed columns.
func ObserveRiskGrid(cells, failures int) {
	if cells > 0 {
		riskGridCellsTotal.Add(float64(cells))
	}
	if failures > 0 {
		extinctionFailuresTotal.Add(float64(failures))
	}
}

// ObserveCalibration records the iteration count of a finished fit.
func ObserveCalibration(iterations int) {
	calibrationIterations.Observe(float64(iterations))
}

// ObservePresetReload counts a preset reload attempt.
func ObservePresetReload(err error) {
	if err != nil {
		presetReloadsTotal.WithLabelValues(OutcomeError).Inc()
		return
	}
	presetReloadsTotal.WithLabelValues(OutcomeSuccess).Inc()
}
