package ml

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricsInterface receives classifier telemetry.
type MetricsInterface interface {
	MLPredictionsInc()
	MLFailuresInc()
	MLLatencyObserve(float64)
	MLModelAgeSet(float64)
	MLPredictionScoresObserve(float64)
	MLTimeoutsInc()
}

// HealthStatus summarizes classifier behaviour since startup.
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	LastCheck       time.Time `json:"last_check"`
	ModelLoaded     bool      `json:"model_loaded"`
	AverageLatency  float64   `json:"average_latency_ms"`
	PredictionCount int64     `json:"prediction_count"`
	ErrorRate       float64   `json:"error_rate"`
	LastError       string    `json:"last_error,omitempty"`
	ModelVersion    string    `json:"model_version"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

type performanceStats struct {
	mu               sync.RWMutex
	predictions      int64
	errors           int64
	totalLatency     time.Duration
	startTime        time.Time
	latencyHistogram []time.Duration
	lastError        string
}

// InstrumentedClassifier wraps a Classifier with metrics, latency tracking
// and a health summary.
type InstrumentedClassifier struct {
	inner     Classifier
	metrics   MetricsInterface
	metadata  *ModelMetadata
	perfStats *performanceStats
	health    atomic.Value // stores *HealthStatus
}

// Instrument wraps c. metrics may be nil; md may be nil when the model
// ships without a metadata sidecar.
func Instrument(c Classifier, metrics MetricsInterface, md *ModelMetadata) *InstrumentedClassifier {
	if md == nil {
		md = &ModelMetadata{Version: "unknown"}
	}
	ic := &InstrumentedClassifier{
		inner:    c,
		metrics:  metrics,
		metadata: md,
		perfStats: &performanceStats{
			startTime:        time.Now(),
			latencyHistogram: make([]time.Duration, 0, 1000),
		},
	}
	if metrics != nil && !md.TrainedAt.IsZero() {
		metrics.MLModelAgeSet(time.Since(md.TrainedAt).Hours())
	}
	ic.updateHealthStatus()
	return ic
}

// Classes implements Classifier.
func (ic *InstrumentedClassifier) Classes() []string { return ic.inner.Classes() }

// InputWidth reports the wrapped classifier's input width, or 0 if unknown.
func (ic *InstrumentedClassifier) InputWidth() int {
	if w, ok := ic.inner.(InputWidther); ok {
		return w.InputWidth()
	}
	return 0
}

// Metadata returns the model metadata.
func (ic *InstrumentedClassifier) Metadata() *ModelMetadata { return ic.metadata }

// Predict implements Classifier.
func (ic *InstrumentedClassifier) Predict(ctx context.Context, reduced []float64) (*PredictionResult, error) {
	start := time.Now()
	res, err := ic.inner.Predict(ctx, reduced)
	elapsed := time.Since(start)
	ic.recordLatency(elapsed)

	if ic.metrics != nil {
		ic.metrics.MLLatencyObserve(elapsed.Seconds())
	}

	if err != nil {
		ic.recordError(err)
		if ic.metrics != nil {
			ic.metrics.MLFailuresInc()
			if errors.Is(err, context.DeadlineExceeded) {
				ic.metrics.MLTimeoutsInc()
			}
		}
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("Classifier failed")
		return nil, err
	}

	if res.ModelVersion == "" {
		res.ModelVersion = ic.metadata.Version
	}
	ic.recordPrediction()
	if ic.metrics != nil {
		ic.metrics.MLPredictionsInc()
		ic.metrics.MLPredictionScoresObserve(res.Confidence)
	}
	return res, nil
}

// Health returns a fresh health summary.
func (ic *InstrumentedClassifier) Health() *HealthStatus {
	ic.updateHealthStatus()
	status, _ := ic.health.Load().(*HealthStatus)
	if status == nil {
		return &HealthStatus{Healthy: false}
	}
	return status
}

func (ic *InstrumentedClassifier) updateHealthStatus() {
	ic.perfStats.mu.RLock()
	defer ic.perfStats.mu.RUnlock()

	status := &HealthStatus{
		LastCheck:       time.Now(),
		ModelLoaded:     ic.inner != nil,
		PredictionCount: ic.perfStats.predictions,
		LastError:       ic.perfStats.lastError,
		ModelVersion:    ic.metadata.Version,
		UptimeSeconds:   time.Since(ic.perfStats.startTime).Seconds(),
	}

	total := ic.perfStats.predictions + ic.perfStats.errors
	if total > 0 {
		status.ErrorRate = float64(ic.perfStats.errors) / float64(total)
		status.AverageLatency = float64(ic.perfStats.totalLatency.Milliseconds()) / float64(total)
	}

	// Unhealthy once more than half of a meaningful sample has failed
	status.Healthy = status.ModelLoaded && (total < 10 || status.ErrorRate < 0.5)

	ic.health.Store(status)
}

func (ic *InstrumentedClassifier) recordLatency(d time.Duration) {
	ic.perfStats.mu.Lock()
	defer ic.perfStats.mu.Unlock()

	ic.perfStats.totalLatency += d
	ic.perfStats.latencyHistogram = append(ic.perfStats.latencyHistogram, d)

	// Keep only last 1000 samples
	if len(ic.perfStats.latencyHistogram) > 1000 {
		ic.perfStats.latencyHistogram = ic.perfStats.latencyHistogram[1:]
	}
}

func (ic *InstrumentedClassifier) recordPrediction() {
	ic.perfStats.mu.Lock()
	ic.perfStats.predictions++
	ic.perfStats.mu.Unlock()
}

func (ic *InstrumentedClassifier) recordError(err error) {
	ic.perfStats.mu.Lock()
	ic.perfStats.errors++
	ic.perfStats.lastError = err.Error()
	ic.perfStats.mu.Unlock()
}

// PerformanceMetrics returns counters and latency percentiles.
func (ic *InstrumentedClassifier) PerformanceMetrics() map[string]interface{} {
	ic.perfStats.mu.RLock()
	defer ic.perfStats.mu.RUnlock()

	var p50, p95, p99 time.Duration
	if n := len(ic.perfStats.latencyHistogram); n > 0 {
		sorted := make([]time.Duration, n)
		copy(sorted, ic.perfStats.latencyHistogram)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		p50 = sorted[n/2]
		p95 = sorted[int(float64(n-1)*0.95)]
		p99 = sorted[int(float64(n-1)*0.99)]
	}

	return map[string]interface{}{
		"predictions_total": ic.perfStats.predictions,
		"errors_total":      ic.perfStats.errors,
		"latency_p50_ms":    p50.Milliseconds(),
		"latency_p95_ms":    p95.Milliseconds(),
		"latency_p99_ms":    p99.Milliseconds(),
		"uptime_hours":      time.Since(ic.perfStats.startTime).Hours(),
	}
}
