// Package metrics provides Prometheus metrics collection for the scorer.
// It defines the request, prediction, model loading and capture metrics that
// are exposed via the Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the scorer.
type Metrics struct {
	// Request metrics
	ScoreRequests *prometheus.CounterVec // Scoring requests served, by model role
	ScoreFailures *prometheus.CounterVec // Scoring requests rejected or failed, by stage
	ScoreLatency  prometheus.Histogram   // End-to-end handler latency
	ScoreRows     prometheus.Histogram   // Rows per scored matrix

	// Prediction metrics
	MLPredictions *prometheus.CounterVec   // Successful model calls, by role
	MLFailures    *prometheus.CounterVec   // Failed model calls, by role
	MLTimeouts    *prometheus.CounterVec   // Model calls that hit the request deadline, by role
	MLLatency     *prometheus.HistogramVec // Model call latency, by role
	MLCacheHits   *prometheus.CounterVec   // Prediction cache hits, by role
	MLCacheMisses *prometheus.CounterVec   // Prediction cache misses, by role

	// Model lifecycle metrics
	ModelInfo         *prometheus.GaugeVec     // 1 for each loaded model version
	ModelLoadDuration *prometheus.HistogramVec // Time to resolve and load a model, by role

	// System metrics
	CaptureErrors prometheus.Counter // Request captures that could not be persisted
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ScoreRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "score_requests_total",
			Help: "Total number of scoring requests served, by model role",
		}, []string{"role"}),
		ScoreFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "score_failures_total",
			Help: "Total number of scoring requests that failed, by stage",
		}, []string{"stage"}),
		ScoreLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "score_latency_seconds",
			Help:    "Scoring handler latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		ScoreRows: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "score_rows",
			Help:    "Number of input rows per scoring request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		MLPredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of ML predictions made",
		}, []string{"role"}),
		MLFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of ML prediction failures",
		}, []string{"role"}),
		MLTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_timeouts_total",
			Help: "Total number of ML prediction timeouts",
		}, []string{"role"}),
		MLLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "ML prediction latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"role"}),
		MLCacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_cache_hits_total",
			Help: "Total number of prediction cache hits",
		}, []string{"role"}),
		MLCacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_cache_misses_total",
			Help: "Total number of prediction cache misses",
		}, []string{"role"}),
		ModelInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ml_model_info",
			Help: "Loaded model versions (value is always 1)",
		}, []string{"role", "name", "version", "flavor"}),
		ModelLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_model_load_duration_seconds",
			Help:    "Time to resolve and load a model version in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"role"}),
		CaptureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "capture_errors_total",
			Help: "Total number of request captures that could not be stored",
		}),
	}
}

// GetErrorRate returns failed over served scoring requests, or 0 before the
// first request. Values are read from m's own collectors.
func (m *Metrics) GetErrorRate() float64 {
	total := sumCounterVec(m.ScoreRequests) + sumCounterVec(m.ScoreFailures)
	if total == 0 {
		return 0
	}
	return sumCounterVec(m.ScoreFailures) / total
}

func sumCounterVec(vec *prometheus.CounterVec) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		vec.Collect(ch)
		close(ch)
	}()

	var sum float64
	for metric := range ch {
		var pb dto.Metric
		if err := metric.Write(&pb); err == nil && pb.Counter != nil {
			sum += pb.Counter.GetValue()
		}
	}
	return sum
}
