package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"ecg-diagnosis/internal/artifact"
	"ecg-diagnosis/internal/common"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// LinearArtifact is the JSON layout of a linear classifier export:
// coef is n_classes x n_features (a single row for binary models).
type LinearArtifact struct {
	Version   string      `json:"version,omitempty"`
	Classes   []string    `json:"classes"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
}

// LinearClassifier is a multinomial logistic model (softmax over class
// scores), or a logistic model when it has two classes and one row.
type LinearClassifier struct {
	version   string
	classes   []string
	coef      *mat.Dense
	intercept *mat.VecDense
	binary    bool
}

// NewLinearClassifier validates a and builds a classifier from it.
// Missing class names fall back to the default diagnostic labels.
func NewLinearClassifier(a LinearArtifact) (*LinearClassifier, error) {
	if len(a.Coef) == 0 || len(a.Coef[0]) == 0 {
		return nil, errors.New("classifier has no coefficients")
	}
	rows, cols := len(a.Coef), len(a.Coef[0])
	if len(a.Intercept) != rows {
		return nil, fmt.Errorf("classifier has %d coefficient rows but %d intercepts", rows, len(a.Intercept))
	}

	classes := a.Classes
	if len(classes) == 0 {
		n := rows
		if rows == 1 {
			n = 2
		}
		if n > len(common.DefaultClasses) {
			return nil, fmt.Errorf("classifier has %d classes but no class names", n)
		}
		classes = common.DefaultClasses[:n]
	}

	binary := rows == 1 && len(classes) == 2
	if !binary && rows != len(classes) {
		return nil, fmt.Errorf("classifier has %d coefficient rows for %d classes", rows, len(classes))
	}

	coef := mat.NewDense(rows, cols, nil)
	for i, row := range a.Coef {
		if len(row) != cols {
			return nil, fmt.Errorf("coefficient row %d has %d entries, want %d", i, len(row), cols)
		}
		coef.SetRow(i, row)
	}
	intercept := make([]float64, rows)
	copy(intercept, a.Intercept)

	return &LinearClassifier{
		version:   a.Version,
		classes:   append([]string(nil), classes...),
		coef:      coef,
		intercept: mat.NewVecDense(rows, intercept),
		binary:    binary,
	}, nil
}

// LoadLinear reads a LinearArtifact from path.
func LoadLinear(path string) (*LinearClassifier, error) {
	var a LinearArtifact
	err := artifact.With(path, func(r io.Reader) error {
		if err := json.NewDecoder(r).Decode(&a); err != nil {
			return fmt.Errorf("decode classifier %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c, err := NewLinearClassifier(a)
	if err != nil {
		return nil, fmt.Errorf("classifier %s: %w", path, err)
	}
	log.Info().
		Str("path", path).
		Int("classes", len(c.classes)).
		Int("input_width", c.InputWidth()).
		Str("version", c.version).
		Msg("Classifier loaded")
	return c, nil
}

// Classes implements Classifier.
func (c *LinearClassifier) Classes() []string {
	return append([]string(nil), c.classes...)
}

// InputWidth implements InputWidther.
func (c *LinearClassifier) InputWidth() int {
	_, cols := c.coef.Dims()
	return cols
}

// Version returns the artifact version string, if any.
func (c *LinearClassifier) Version() string { return c.version }

// Predict implements Classifier.
func (c *LinearClassifier) Predict(ctx context.Context, reduced []float64) (*PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, inferenceErr(err, "canceled before inference")
	}
	if len(reduced) != c.InputWidth() {
		return nil, inferenceErr(nil, "expected %d features, got %d", c.InputWidth(), len(reduced))
	}
	for i, v := range reduced {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, inferenceErr(nil, "feature %d is %v", i, v)
		}
	}

	var z mat.VecDense
	z.MulVec(c.coef, mat.NewVecDense(len(reduced), append([]float64(nil), reduced...)))
	z.AddVec(&z, c.intercept)

	var probs []float64
	if c.binary {
		p := sigmoid(z.AtVec(0))
		probs = []float64{1 - p, p}
	} else {
		probs = softmax(mat.Col(nil, 0, &z))
	}

	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}

	scores := make(map[string]float64, len(probs))
	for i, p := range probs {
		scores[c.classes[i]] = p
	}

	return &PredictionResult{
		ClassIndex:   best,
		Label:        c.classes[best],
		Confidence:   probs[best],
		Scores:       scores,
		ModelVersion: c.version,
	}, nil
}

// sigmoid converts a score to a probability
func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func softmax(z []float64) []float64 {
	hi := math.Inf(-1)
	for _, v := range z {
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - hi)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
