package ml

import (
	"context"
	"sync"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu               sync.Mutex
	predictions      int
	failures         int
	latencySum       float64
	latencyCount     int
	timeouts         int
	modelAge         float64
	predictionScores []float64
}

func (m *MockMetrics) MLPredictionsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions++
}

func (m *MockMetrics) MLFailuresInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

func (m *MockMetrics) MLLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
	m.latencyCount++
}

func (m *MockMetrics) MLModelAgeSet(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelAge = v
}

func (m *MockMetrics) MLPredictionScoresObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictionScores = append(m.predictionScores, v)
}

func (m *MockMetrics) MLTimeoutsInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts++
}

// Counts returns predictions, failures and timeouts recorded so far.
func (m *MockMetrics) Counts() (predictions, failures, timeouts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions, m.failures, m.timeouts
}

// StaticClassifier returns a fixed result, or Err when set. It is used by
// tests in this and dependent packages.
type StaticClassifier struct {
	Result *PredictionResult
	Err    error
	Labels []string
	Width  int

	mu    sync.Mutex
	calls [][]float64
}

func (s *StaticClassifier) Predict(ctx context.Context, reduced []float64) (*PredictionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]float64(nil), reduced...))
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, inferenceErr(err, "canceled before inference")
	}
	if s.Err != nil {
		return nil, s.Err
	}
	out := *s.Result
	return &out, nil
}

func (s *StaticClassifier) Classes() []string { return s.Labels }

func (s *StaticClassifier) InputWidth() int { return s.Width }

// Calls returns the inputs received so far.
func (s *StaticClassifier) Calls() [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]float64(nil), s.calls...)
}
