package metrics

import "github.com/prometheus/client_golang/prometheus"

// MetricsWrapper adapts Metrics to the narrow recorder interfaces used by the
// ml and scoring packages, so neither imports Prometheus.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Metrics returns the wrapped collectors.
func (w *MetricsWrapper) Metrics() *Metrics { return w.m }

func (w *MetricsWrapper) MLPredictionsInc(role string) {
	w.m.MLPredictions.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) MLFailuresInc(role string) {
	w.m.MLFailures.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) MLTimeoutsInc(role string) {
	w.m.MLTimeouts.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) MLLatencyObserve(role string, seconds float64) {
	w.m.MLLatency.WithLabelValues(role).Observe(seconds)
}

func (w *MetricsWrapper) MLCacheHitsInc(role string) {
	w.m.MLCacheHits.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) MLCacheMissesInc(role string) {
	w.m.MLCacheMisses.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) ScoreRequestsInc(role string) {
	w.m.ScoreRequests.WithLabelValues(role).Inc()
}

func (w *MetricsWrapper) ScoreFailuresInc(stage string) {
	w.m.ScoreFailures.WithLabelValues(stage).Inc()
}

func (w *MetricsWrapper) ScoreLatencyObserve(seconds float64) {
	w.m.ScoreLatency.Observe(seconds)
}

func (w *MetricsWrapper) ScoreRowsObserve(rows int) {
	w.m.ScoreRows.Observe(float64(rows))
}

func (w *MetricsWrapper) CaptureErrorsInc() {
	w.m.CaptureErrors.Inc()
}

// ModelLoaded records a successful load of a model version under role.
// Previous versions for the role are cleared so ml_model_info has one series
// per role.
func (w *MetricsWrapper) ModelLoaded(role, name, version, flavor string, seconds float64) {
	w.m.ModelInfo.DeletePartialMatch(prometheus.Labels{"role": role})
	w.m.ModelInfo.WithLabelValues(role, name, version, flavor).Set(1)
	w.m.ModelLoadDuration.WithLabelValues(role).Observe(seconds)
}

// ErrorRate is the failed share of scoring requests.
func (w *MetricsWrapper) ErrorRate() float64 {
	return w.m.GetErrorRate()
}
