package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fractal-lba/mmm/internal/errs"
	"github.com/fractal-lba/mmm/internal/mcmc"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	FitsTotal      *prometheus.CounterVec
	FitDuration    prometheus.Histogram
	Divergences    prometheus.Counter
	LastRHatMax    prometheus.Gauge
	LastESSMin     prometheus.Gauge
	Predictions    prometheus.Counter
	ROIQueries     prometheus.Counter
	Optimizations  *prometheus.CounterVec
	Validations    *prometheus.CounterVec
	Datasets       *prometheus.CounterVec
	RegistryModels prometheus.Gauge
	Requests       *prometheus.CounterVec
	RateLimited    prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FitsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmm_fits_total",
				Help: "Model fits by outcome (converged, not_converged, failed)",
			},
			[]string{"status"},
		),
		FitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mmm_fit_duration_seconds",
			Help:    "Wall time of a model fit including sampling",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		Divergences: f.NewCounter(prometheus.CounterOpts{
			Name: "mmm_divergences_total",
			Help: "Divergent transitions across all fits",
		}),
		LastRHatMax: f.NewGauge(prometheus.GaugeOpts{
			Name: "mmm_last_fit_rhat_max",
			Help: "Largest split R-hat of the most recent fit",
		}),
		LastESSMin: f.NewGauge(prometheus.GaugeOpts{
			Name: "mmm_last_fit_ess_min",
			Help: "Smallest effective sample size of the most recent fit",
		}),
		Predictions: f.NewCounter(prometheus.CounterOpts{
			Name: "mmm_predictions_total",
			Help: "Prediction requests served",
		}),
		ROIQueries: f.NewCounter(prometheus.CounterOpts{
			Name: "mmm_roi_queries_total",
			Help: "ROI computations served",
		}),
		Optimizations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmm_optimizations_total",
				Help: "Budget optimizations by strategy and whether the solver converged",
			},
			[]string{"strategy", "success"},
		),
		Validations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmm_validations_total",
				Help: "Validation runs by verdict",
			},
			[]string{"passed"},
		),
		Datasets: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmm_datasets_total",
				Help: "Datasets stored by source (upload, generate)",
			},
			[]string{"source"},
		),
		RegistryModels: f.NewGauge(prometheus.GaugeOpts{
			Name: "mmm_registry_models",
			Help: "Fitted models resident in the registry",
		}),
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mmm_http_requests_total",
				Help: "HTTP requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "mmm_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
	}
}

// ObserveFit records one fit. diag is ignored when err is a failure without
// diagnostics.
func (m *Metrics) ObserveFit(elapsed time.Duration, diag mcmc.Diagnostics, err error) {
	m.FitDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.FitsTotal.WithLabelValues("failed").Inc()
		var fe *errs.FitError
		if errors.As(err, &fe) {
			if d, ok := fe.Diagnostics.(mcmc.Diagnostics); ok {
				m.Divergences.Add(float64(d.Divergences))
			}
		}
		return
	}
	status := "converged"
	if !diag.Converged {
		status = "not_converged"
	}
	m.FitsTotal.WithLabelValues(status).Inc()
	m.Divergences.Add(float64(diag.Divergences))
	m.LastRHatMax.Set(diag.RHatMax)
	m.LastESSMin.Set(diag.ESSMin)
}

// ObserveOptimization records one optimizer run.
func (m *Metrics) ObserveOptimization(strategy string, success bool) {
	m.Optimizations.WithLabelValues(strategy, strconv.FormatBool(success)).Inc()
}
