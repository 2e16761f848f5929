// Package pca holds the pretrained linear projection that reduces a signal
// vector to a small feature vector: (x - mean) * W.
package pca

import (
	"errors"
	"fmt"

	"ecg-diagnosis/internal/signal"

	"gonum.org/v1/gonum/mat"
)

// FeatureMismatchError is returned when the input width differs from the
// projection's expected feature count. Inputs are never padded or truncated.
type FeatureMismatchError struct {
	Expected int
	Actual   int
}

func (e *FeatureMismatchError) Error() string {
	return fmt.Sprintf("feature mismatch: projection expects %d features, input has %d", e.Expected, e.Actual)
}

// ProjectionModel is a fitted PCA transform. It is immutable after
// construction and safe for concurrent use.
type ProjectionModel struct {
	mean       *mat.VecDense // length = expected features
	components *mat.Dense    // expected features x n_components
}

// NewProjectionModel copies mean and components into a new model.
// components must have len(mean) rows.
func NewProjectionModel(mean []float64, components mat.Matrix) (*ProjectionModel, error) {
	if len(mean) == 0 {
		return nil, errors.New("projection mean is empty")
	}
	if components == nil {
		return nil, errors.New("projection matrix is nil")
	}
	r, c := components.Dims()
	if r == 0 || c == 0 {
		return nil, errors.New("projection matrix is empty")
	}
	if r != len(mean) {
		return nil, fmt.Errorf("projection matrix has %d rows, mean has %d entries", r, len(mean))
	}

	m := make([]float64, len(mean))
	copy(m, mean)
	return &ProjectionModel{
		mean:       mat.NewVecDense(len(m), m),
		components: mat.DenseCopyOf(components),
	}, nil
}

// ExpectedFeatures is the exact input width the projection accepts.
func (p *ProjectionModel) ExpectedFeatures() int {
	return p.mean.Len()
}

// Components is the width of the reduced vector.
func (p *ProjectionModel) Components() int {
	_, c := p.components.Dims()
	return c
}

// Mean returns a copy of the mean vector.
func (p *ProjectionModel) Mean() []float64 {
	return mat.Col(nil, 0, p.mean)
}

// Matrix returns a copy of the projection matrix.
func (p *ProjectionModel) Matrix() *mat.Dense {
	return mat.DenseCopyOf(p.components)
}

// Transform projects a normalized 1xN row. N must equal ExpectedFeatures.
func (p *ProjectionModel) Transform(row mat.Matrix) ([]float64, error) {
	if row == nil {
		return nil, &signal.InvalidShapeError{Reason: "nil input"}
	}
	r, c := row.Dims()
	if r != 1 {
		return nil, &signal.InvalidShapeError{Rows: r, Cols: c, Reason: "expected a single row"}
	}
	if c != p.ExpectedFeatures() {
		return nil, &FeatureMismatchError{Expected: p.ExpectedFeatures(), Actual: c}
	}

	values := mat.Row(nil, 0, row)
	if err := signal.CheckFinite(values); err != nil {
		return nil, err
	}
	centered := mat.NewVecDense(c, values)
	centered.SubVec(centered, p.mean)

	var out mat.VecDense
	out.MulVec(p.components.T(), centered)
	return mat.Col(nil, 0, &out), nil
}

// transformVector normalizes v and projects it.
func (p *ProjectionModel) transformVector(v signal.Vector) ([]float64, error) {
	row, err := signal.Normalize(v)
	if err != nil {
		return nil, err
	}
	return p.Transform(row)
}
