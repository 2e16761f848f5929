package evaluate

import (
	"context"
	"fmt"
	"os"
	"time"

	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/pipeline"

	"github.com/rs/zerolog/log"
)

// Outcome is the result of one sample.
type Outcome struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Predicted  string  `json:"predicted,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Correct    bool    `json:"correct"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// ClassStats holds one-vs-rest scores for a class.
type ClassStats struct {
	Support   int     `json:"support"`
	Predicted int     `json:"predicted"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// Results holds evaluation results. Confusion is indexed [expected][predicted]
// over Classes; samples whose label is not a known class only count toward
// Total and Unlabeled.
type Results struct {
	Classes      []string              `json:"classes"`
	Outcomes     []Outcome             `json:"outcomes"`
	Total        int                   `json:"total"`
	Evaluated    int                   `json:"evaluated"`
	Correct      int                   `json:"correct"`
	Failed       int                   `json:"failed"`
	Unlabeled    int                   `json:"unlabeled"`
	Accuracy     float64               `json:"accuracy"`
	MacroF1      float64               `json:"macro_f1"`
	Confusion    [][]int               `json:"confusion"`
	PerClass     map[string]ClassStats `json:"per_class"`
	ErrorsByKind map[string]int        `json:"errors_by_kind"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
}

// Engine runs every sample of a DataLoader through a pipeline.
type Engine struct {
	pipeline *pipeline.Pipeline
	data     *DataLoader
	results  *Results
	index    map[string]int
}

// NewEngine creates an evaluation engine scoring against p's class labels.
func NewEngine(p *pipeline.Pipeline, data *DataLoader) *Engine {
	classes := append([]string(nil), p.Classifier().Classes()...)
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		index[c] = i
	}

	e := &Engine{
		pipeline: p,
		data:     data,
		index:    index,
	}
	e.reset(classes)
	return e
}

// reset clears the results of a previous Run.
func (e *Engine) reset(classes []string) {
	confusion := make([][]int, len(classes))
	for i := range confusion {
		confusion[i] = make([]int, len(classes))
	}
	e.results = &Results{
		Classes:      classes,
		Outcomes:     make([]Outcome, 0, e.data.Count()),
		Confusion:    confusion,
		PerClass:     make(map[string]ClassStats, len(classes)),
		ErrorsByKind: make(map[string]int),
	}
}

// Run evaluates all samples. A failing sample is recorded and the run goes
// on; only cancellation of ctx stops it early.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Int("samples", e.data.Count()).
		Strs("classes", e.results.Classes).
		Msg("Starting evaluation")

	e.reset(e.results.Classes)
	e.results.StartTime = time.Now()
	e.data.Reset()
	for e.data.HasNext() {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := e.data.Next()
		e.results.Outcomes = append(e.results.Outcomes, e.evaluate(ctx, s))

		if n := len(e.results.Outcomes); n%50 == 0 {
			log.Info().Float64("progress", e.data.Progress()).Int("done", n).Msg("Evaluation progress")
		}
	}
	e.results.EndTime = time.Now()

	e.calculateMetrics()
	return nil
}

func (e *Engine) evaluate(ctx context.Context, s Sample) Outcome {
	out := Outcome{ID: s.ID, Label: s.Label}
	start := time.Now()

	res, err := e.run(ctx, s)
	out.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		out.ErrorKind = pipeline.ErrorKind(err)
		out.Error = err.Error()
		log.Debug().Err(err).Str("sample", s.ID).Msg("Sample failed")
		return out
	}

	out.Predicted = res.Prediction.Label
	out.Confidence = res.Prediction.Confidence
	out.Correct = out.Predicted == s.Label
	return out
}

func (e *Engine) run(ctx context.Context, s Sample) (*pipeline.Result, error) {
	if s.ImagePath == "" {
		return e.pipeline.Run(ctx, s.Leads, nil)
	}

	f, err := os.Open(s.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("open sample image: %w", err)
	}
	defer f.Close()

	img, err := extract.Decode(f)
	if err != nil {
		return nil, err
	}
	return e.pipeline.RunImage(ctx, img, nil)
}

// calculateMetrics derives accuracy, the confusion matrix and per-class
// scores from the outcomes.
func (e *Engine) calculateMetrics() {
	r := e.results
	r.Total = len(r.Outcomes)

	for _, o := range r.Outcomes {
		if o.ErrorKind != "" {
			r.Failed++
			r.ErrorsByKind[o.ErrorKind]++
			continue
		}
		want, ok := e.index[o.Label]
		if !ok {
			r.Unlabeled++
			continue
		}
		got, ok := e.index[o.Predicted]
		if !ok {
			r.Unlabeled++
			continue
		}
		r.Evaluated++
		r.Confusion[want][got]++
		if o.Correct {
			r.Correct++
		}
	}

	if r.Evaluated > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Evaluated)
	}

	var f1Sum float64
	for i, class := range r.Classes {
		var stats ClassStats
		tp := r.Confusion[i][i]
		for j := range r.Classes {
			stats.Support += r.Confusion[i][j]
			stats.Predicted += r.Confusion[j][i]
		}
		if stats.Predicted > 0 {
			stats.Precision = float64(tp) / float64(stats.Predicted)
		}
		if stats.Support > 0 {
			stats.Recall = float64(tp) / float64(stats.Support)
		}
		if stats.Precision+stats.Recall > 0 {
			stats.F1 = 2 * stats.Precision * stats.Recall / (stats.Precision + stats.Recall)
		}
		r.PerClass[class] = stats
		f1Sum += stats.F1
	}
	if len(r.Classes) > 0 {
		r.MacroF1 = f1Sum / float64(len(r.Classes))
	}
}

// Results returns the results of the last Run. Each Run starts from empty
// results, so a Results value held from an earlier Run is left untouched.
func (e *Engine) Results() *Results {
	return e.results
}
