// Package pipeline chains the diagnostic stages: lead signals are
// concatenated, shaped into a single row, projected onto the principal
// components and classified. Each stage validates its own input and halts
// the run with a typed error; nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"ecg-diagnosis/internal/artifact"
	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pca"
	"ecg-diagnosis/internal/signal"

	"github.com/rs/zerolog/log"
)

// Stage names a pipeline step.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageBuild     Stage = "build"
	StageNormalize Stage = "normalize"
	StageReduce    Stage = "reduce"
	StagePredict   Stage = "predict"
)

// StageEvent is reported to an Observer after a stage succeeds.
type StageEvent struct {
	Stage     Stage   `json:"stage"`
	ElapsedMS float64 `json:"elapsed_ms"`
	Detail    string  `json:"detail,omitempty"`
}

// Observer receives stage events as they happen. It runs on the calling
// goroutine and must not block for long.
type Observer func(StageEvent)

// MetricsInterface receives pipeline telemetry.
type MetricsInterface interface {
	StageLatencyObserve(stage string, seconds float64)
	PipelineRunsInc()
	PipelineErrorsInc(kind string)
	DiagnosisInc(label string)
}

// Result is the outcome of a successful run.
type Result struct {
	SignalLength int                  `json:"signal_length"`
	Reduced      []float64            `json:"reduced"`
	Prediction   *ml.PredictionResult `json:"prediction"`
	Stages       []StageEvent         `json:"stages"`
	Duration     time.Duration        `json:"-"`

	// Leads holds the signals the run was built from.
	Leads []signal.LeadSignal `json:"-"`
}

// Pipeline holds the loaded artifacts. It is immutable and safe for
// concurrent use.
type Pipeline struct {
	builder    *signal.Builder
	projection *pca.ProjectionModel
	classifier ml.Classifier
	extractor  extract.Extractor
	metrics    MetricsInterface
}

// New wires the stages together. A classifier that reports its input width
// must accept the projection's component count. metrics may be nil.
func New(builder *signal.Builder, projection *pca.ProjectionModel, classifier ml.Classifier, metrics MetricsInterface) (*Pipeline, error) {
	if builder == nil {
		return nil, errors.New("pipeline requires a signal builder")
	}
	if projection == nil {
		return nil, errors.New("pipeline requires a projection model")
	}
	if classifier == nil {
		return nil, errors.New("pipeline requires a classifier")
	}
	if w, ok := classifier.(ml.InputWidther); ok && w.InputWidth() > 0 && w.InputWidth() != projection.Components() {
		return nil, fmt.Errorf("classifier does not fit projection output: %w",
			&pca.FeatureMismatchError{Expected: w.InputWidth(), Actual: projection.Components()})
	}

	return &Pipeline{
		builder:    builder,
		projection: projection,
		classifier: classifier,
		metrics:    metrics,
	}, nil
}

// Load reads the projection artifact at projectionPath and builds a
// pipeline around it. A missing artifact fails with *artifact.NotFoundError
// before any signal is touched.
func Load(projectionPath string, builder *signal.Builder, classifier ml.Classifier, metrics MetricsInterface) (*Pipeline, error) {
	if _, err := artifact.Stat(projectionPath); err != nil {
		return nil, err
	}
	projection, err := pca.Load(projectionPath)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("path", projectionPath).
		Int("features", projection.ExpectedFeatures()).
		Int("components", projection.Components()).
		Msg("Projection loaded")
	return New(builder, projection, classifier, metrics)
}

// WithExtractor returns a copy of p that accepts printout images.
func (p *Pipeline) WithExtractor(e extract.Extractor) *Pipeline {
	cp := *p
	cp.extractor = e
	return &cp
}

// Projection returns the loaded projection model.
func (p *Pipeline) Projection() *pca.ProjectionModel { return p.projection }

// Classifier returns the loaded classifier.
func (p *Pipeline) Classifier() ml.Classifier { return p.classifier }

// Leads returns the lead order the builder requires.
func (p *Pipeline) Leads() []string { return p.builder.Leads() }

// Run classifies one set of lead signals. obs may be nil.
func (p *Pipeline) Run(ctx context.Context, leads []signal.LeadSignal, obs Observer) (*Result, error) {
	start := time.Now()
	res, err := p.run(ctx, leads, obs, nil)
	p.finish(res, err, start)
	return res, err
}

// RunImage extracts lead signals from a printout image and classifies them.
func (p *Pipeline) RunImage(ctx context.Context, img image.Image, obs Observer) (*Result, error) {
	start := time.Now()
	res, err := p.runImage(ctx, img, obs)
	p.finish(res, err, start)
	return res, err
}

func (p *Pipeline) runImage(ctx context.Context, img image.Image, obs Observer) (*Result, error) {
	if p.extractor == nil {
		return nil, errors.New("pipeline has no lead extractor")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []StageEvent
	t := time.Now()
	leads, err := p.extractor.Extract(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("extract leads: %w", err)
	}
	events = p.emit(events, obs, StageExtract, t, fmt.Sprintf("%d leads", len(leads)))

	return p.run(ctx, leads, obs, events)
}

func (p *Pipeline) run(ctx context.Context, leads []signal.LeadSignal, obs Observer, events []StageEvent) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t := time.Now()
	vec, err := p.builder.Build(leads)
	if err != nil {
		return nil, fmt.Errorf("build signal: %w", err)
	}
	events = p.emit(events, obs, StageBuild, t, fmt.Sprintf("%d samples", len(vec)))

	t = time.Now()
	row, err := signal.Normalize(vec)
	if err != nil {
		return nil, fmt.Errorf("normalize signal: %w", err)
	}
	_, cols := row.Dims()
	events = p.emit(events, obs, StageNormalize, t, fmt.Sprintf("1x%d", cols))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t = time.Now()
	reduced, err := p.projection.Transform(row)
	if err != nil {
		return nil, fmt.Errorf("reduce signal: %w", err)
	}
	events = p.emit(events, obs, StageReduce, t, fmt.Sprintf("%d components", len(reduced)))

	t = time.Now()
	pred, err := p.classifier.Predict(ctx, reduced)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	events = p.emit(events, obs, StagePredict, t, pred.Label)

	return &Result{
		SignalLength: len(vec),
		Reduced:      reduced,
		Prediction:   pred,
		Stages:       events,
		Leads:        leads,
	}, nil
}

func (p *Pipeline) emit(events []StageEvent, obs Observer, stage Stage, start time.Time, detail string) []StageEvent {
	elapsed := time.Since(start)
	if p.metrics != nil {
		p.metrics.StageLatencyObserve(string(stage), elapsed.Seconds())
	}
	ev := StageEvent{
		Stage:     stage,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
		Detail:    detail,
	}
	if obs != nil {
		obs(ev)
	}
	return append(events, ev)
}

func (p *Pipeline) finish(res *Result, err error, start time.Time) {
	elapsed := time.Since(start)
	if err != nil {
		kind := ErrorKind(err)
		if p.metrics != nil {
			p.metrics.PipelineErrorsInc(kind)
		}
		log.Debug().Err(err).Str("kind", kind).Dur("elapsed", elapsed).Msg("Pipeline run failed")
		return
	}

	res.Duration = elapsed
	if p.metrics != nil {
		p.metrics.PipelineRunsInc()
		p.metrics.DiagnosisInc(res.Prediction.Label)
	}
}
