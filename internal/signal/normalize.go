package signal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Normalize expresses in as a 1xN matrix. It accepts a Vector, a []float64
// or any mat.Matrix. A *mat.Dense that is already a single row is returned
// as is; other single-row matrices are copied. Vector input is copied so the
// result never aliases caller memory.
func Normalize(in any) (*mat.Dense, error) {
	switch v := in.(type) {
	case nil:
		return nil, &InvalidShapeError{Reason: "nil input"}
	case Vector:
		return rowFromSlice(v)
	case []float64:
		return rowFromSlice(v)
	case *mat.Dense:
		if v == nil || v.IsEmpty() {
			return nil, &InvalidShapeError{Reason: "empty matrix"}
		}
		if err := checkRow(v); err != nil {
			return nil, err
		}
		return v, nil
	case mat.Matrix:
		if err := checkRow(v); err != nil {
			return nil, err
		}
		return mat.DenseCopyOf(v), nil
	default:
		return nil, &InvalidShapeError{Reason: fmt.Sprintf("unsupported input type %T", in)}
	}
}

func rowFromSlice(v []float64) (*mat.Dense, error) {
	if len(v) == 0 {
		return nil, &InvalidShapeError{Rows: 1, Cols: 0, Reason: "empty vector"}
	}
	if err := CheckFinite(v); err != nil {
		return nil, err
	}
	data := make([]float64, len(v))
	copy(data, v)
	return mat.NewDense(1, len(data), data), nil
}

func checkRow(m mat.Matrix) error {
	r, c := m.Dims()
	if r == 0 || c == 0 {
		return &InvalidShapeError{Rows: r, Cols: c, Reason: "empty matrix"}
	}
	if r != 1 {
		return &InvalidShapeError{Rows: r, Cols: c, Reason: "expected a single row"}
	}
	return CheckFinite(mat.Row(nil, 0, m))
}

// CheckFinite reports the first NaN or infinite value of a concatenated
// row. The lead is left empty since the row no longer carries lead names.
func CheckFinite(row []float64) error {
	for j, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &NonNumericDataError{Index: j, Value: v}
		}
	}
	return nil
}
