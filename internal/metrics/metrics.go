package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels analyses that returned a result.
	OutcomeSuccess = "success"
	// OutcomeInvalid labels analyses rejected for their configuration.
	OutcomeInvalid = "invalid"
	// OutcomeError labels failed analyses (upstream or storage issues).
	OutcomeError = "error"
)

// Analysis kinds.
const (
	KindEstimate       = "estimate"
	KindProject        = "project"
	KindSerialInterval = "serial_interval"
	KindGrowth         = "growth"
)

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewal_rt",
			Name:      "analyses_total",
			Help:      "Total number of analyses handled, partitioned by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "renewal_rt",
			Name:      "analysis_seconds",
			Help:      "Analysis latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	windowsEstimatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "renewal_rt",
			Name:      "windows_estimated_total",
			Help:      "Time windows for which a posterior of R was computed.",
		},
	)

	trajectoriesSimulatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "renewal_rt",
			Name:      "trajectories_simulated_total",
			Help:      "Incidence trajectories simulated by projections.",
		},
	)

	nonConvergedFitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "renewal_rt",
			Name:      "non_converged_fits_total",
			Help:      "Serial interval fits or samplers that did not converge.",
		},
		[]string{"method"},
	)

	warningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "renewal_rt",
			Name:      "estimate_warnings_total",
			Help:      "Advisory warnings attached to estimates of R.",
		},
	)
)

// Register attaches renewal-rt collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		windowsEstimatedTotal,
		trajectoriesSimulatedTotal,
		nonConvergedFitsTotal,
		warningsTotal,
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

// ObserveAnalysis records an analysis duration and its kind and outcome labels.
func ObserveAnalysis(kind string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeInvalid, OutcomeError:
	default:
		outcome = OutcomeSuccess
	}
	analysesTotal.WithLabelValues(kind, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// AddWindows counts estimated windows and the warnings attached to them.
func AddWindows(windows, warnings int) {
	windowsEstimatedTotal.Add(float64(windows))
	warningsTotal.Add(float64(warnings))
}

// AddTrajectories counts simulated trajectories.
func AddTrajectories(n int) {
	trajectoriesSimulatedTotal.Add(float64(n))
}

// ObserveNonConverged counts a fit that hit its iteration budget or failed its
// convergence diagnostic.
func ObserveNonConverged(method string) {
	nonConvergedFitsTotal.WithLabelValues(method).Inc()
}
