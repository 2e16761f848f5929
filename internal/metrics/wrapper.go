package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Interfaces for metrics to avoid circular imports
type MetricsCounter interface {
	Inc()
}

type MetricsGauge interface {
	Set(float64)
	Add(float64)
}

// MetricsWrapper adapts Metrics to the narrow interfaces the ml and
// pipeline packages accept.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Classifier telemetry

func (w *MetricsWrapper) MLPredictionsInc()                   { w.m.MLPredictions.Inc() }
func (w *MetricsWrapper) MLFailuresInc()                      { w.m.MLFailures.Inc() }
func (w *MetricsWrapper) MLLatencyObserve(v float64)          { w.m.MLLatency.Observe(v) }
func (w *MetricsWrapper) MLModelAgeSet(v float64)             { w.m.MLModelAge.Set(v) }
func (w *MetricsWrapper) MLPredictionScoresObserve(v float64) { w.m.MLPredictionScores.Observe(v) }
func (w *MetricsWrapper) MLTimeoutsInc()                      { w.m.MLTimeouts.Inc() }

// Pipeline telemetry

func (w *MetricsWrapper) StageLatencyObserve(stage string, seconds float64) {
	w.m.StageLatency.WithLabelValues(stage).Observe(seconds)
}

func (w *MetricsWrapper) PipelineRunsInc() { w.m.PipelineRuns.Inc() }

func (w *MetricsWrapper) PipelineErrorsInc(kind string) {
	w.m.PipelineErrors.WithLabelValues(kind).Inc()
	w.m.ErrorsTotal.Inc()
}

func (w *MetricsWrapper) DiagnosisInc(label string) {
	w.m.Diagnoses.WithLabelValues(label).Inc()
}

// Server telemetry

func (w *MetricsWrapper) UploadsTotal() MetricsCounter {
	return &CounterWrapper{w.m.UploadsTotal}
}

func (w *MetricsWrapper) ExtractionErrors() MetricsCounter {
	return &CounterWrapper{w.m.ExtractionErrors}
}

func (w *MetricsWrapper) HistoryWrites() MetricsCounter {
	return &CounterWrapper{w.m.HistoryWrites}
}

func (w *MetricsWrapper) HistoryErrors() MetricsCounter {
	return &CounterWrapper{w.m.HistoryErrors}
}

func (w *MetricsWrapper) WSConnections() MetricsGauge {
	return &GaugeWrapper{w.m.WSConnections}
}

func (w *MetricsWrapper) ObserveRequest(route string, code int, seconds float64) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// PipelineErrorRate is the share of failed pipeline runs.
func (w *MetricsWrapper) PipelineErrorRate() float64 { return w.m.GetErrorRate() }

type CounterWrapper struct {
	c prometheus.Counter
}

func (cw *CounterWrapper) Inc() {
	cw.c.Inc()
}

type GaugeWrapper struct {
	g prometheus.Gauge
}

func (gw *GaugeWrapper) Set(v float64) {
	gw.g.Set(v)
}

func (gw *GaugeWrapper) Add(v float64) {
	gw.g.Add(v)
}
