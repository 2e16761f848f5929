// Package metrics provides Prometheus metrics for the ECG diagnosis service.
// It defines the pipeline, classifier, upload, history and HTTP metrics that
// are exposed on the metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Pipeline metrics
	PipelineRuns   prometheus.Counter       // Successful pipeline runs
	PipelineErrors *prometheus.CounterVec   // Failed runs by error kind
	StageLatency   *prometheus.HistogramVec // Per-stage latency in seconds
	Diagnoses      *prometheus.CounterVec   // Predictions by label

	// Upload and extraction metrics
	UploadsTotal     prometheus.Counter // Total number of uploaded images
	ExtractionErrors prometheus.Counter // Images that could not be digitized

	// ML and prediction metrics
	MLPredictions      prometheus.Counter   // Total number of classifier predictions
	MLFailures         prometheus.Counter   // Total number of classifier failures
	MLModelAge         prometheus.Gauge     // Age of the loaded classifier in hours
	MLLatency          prometheus.Histogram // Classifier latency in seconds
	MLPredictionScores prometheus.Histogram // Distribution of prediction confidence
	MLTimeouts         prometheus.Counter   // Classifier calls that hit a deadline

	// History metrics
	HistoryWrites prometheus.Counter // Records written to the history store
	HistoryErrors prometheus.Counter // Failed history writes

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec   // Requests by route and status code
	HTTPDuration  *prometheus.HistogramVec // Request duration by route
	WSConnections prometheus.Gauge         // Open websocket streams

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	gatherer := prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		PipelineRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_pipeline_runs_total",
			Help: "Total number of successful pipeline runs",
		}),
		PipelineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_pipeline_errors_total",
			Help: "Total number of failed pipeline runs by error kind",
		}, []string{"kind"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecg_stage_latency_seconds",
			Help:    "Pipeline stage latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"stage"}),
		Diagnoses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_diagnoses_total",
			Help: "Total number of diagnoses by predicted label",
		}, []string{"label"}),
		UploadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_uploads_total",
			Help: "Total number of uploaded printout images",
		}),
		ExtractionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_extraction_errors_total",
			Help: "Total number of images that could not be digitized",
		}),
		MLPredictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_ml_predictions_total",
			Help: "Total number of classifier predictions",
		}),
		MLFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_ml_failures_total",
			Help: "Total number of classifier failures",
		}),
		MLModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecg_ml_model_age_hours",
			Help: "Age of the loaded classifier in hours",
		}),
		MLLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecg_ml_latency_seconds",
			Help:    "Classifier latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		MLPredictionScores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ecg_ml_prediction_scores",
			Help:    "Distribution of classifier confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		MLTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_ml_timeouts_total",
			Help: "Total number of classifier calls that timed out",
		}),
		HistoryWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_history_writes_total",
			Help: "Total number of records written to history",
		}),
		HistoryErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_history_errors_total",
			Help: "Total number of failed history writes",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ecg_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		}, []string{"route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ecg_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ecg_ws_connections",
			Help: "Number of open websocket prediction streams",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ecg_errors_total",
			Help: "Total number of errors encountered",
		}),
		gatherer: gatherer,
	}
}

// GetErrorRate returns failed runs over all runs, or 0 before any run.
func (m *Metrics) GetErrorRate() float64 {
	var runs, failures float64

	metricFamilies, err := m.gatherer.Gather()
	if err != nil {
		return 0
	}

	for _, mf := range metricFamilies {
		switch mf.GetName() {
		case "ecg_pipeline_runs_total":
			for _, m := range mf.Metric {
				runs += m.GetCounter().GetValue()
			}
		case "ecg_pipeline_errors_total":
			for _, m := range mf.Metric {
				failures += m.GetCounter().GetValue()
			}
		}
	}

	if runs+failures == 0 {
		return 0
	}
	return failures / (runs + failures)
}
