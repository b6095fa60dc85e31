package ml

import (
	"context"
	"sync"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu          sync.Mutex
	predictions map[string]int
	failures    map[string]int
	timeouts    map[string]int
	latencySum  map[string]float64
	cacheHits   map[string]int
	cacheMisses map[string]int
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		predictions: map[string]int{},
		failures:    map[string]int{},
		timeouts:    map[string]int{},
		latencySum:  map[string]float64{},
		cacheHits:   map[string]int{},
		cacheMisses: map[string]int{},
	}
}

func (m *MockMetrics) MLPredictionsInc(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[role]++
}

func (m *MockMetrics) MLFailuresInc(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[role]++
}

func (m *MockMetrics) MLTimeoutsInc(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[role]++
}

func (m *MockMetrics) MLLatencyObserve(role string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum[role] += v
}

func (m *MockMetrics) MLCacheHitsInc(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits[role]++
}

func (m *MockMetrics) MLCacheMissesInc(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheMisses[role]++
}

// Predictions returns the success count for role.
func (m *MockMetrics) Predictions(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions[role]
}

func (m *MockMetrics) Failures(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[role]
}

// StaticPredictor returns a fixed label per row, for tests and offline runs.
type StaticPredictor struct {
	Label any
	Model ModelInfo

	mu    sync.Mutex
	calls int
}

func (s *StaticPredictor) Predict(ctx context.Context, m Matrix) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	out := make([]any, m.Rows())
	for i := range out {
		out[i] = s.Label
	}
	return Labels(out), nil
}

func (s *StaticPredictor) Info() ModelInfo { return s.Model }

// Calls returns how many times Predict ran.
func (s *StaticPredictor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
