package signal

import "fmt"

// EmptyInputError is returned when no leads are supplied, a required lead is
// missing, or a lead carries no samples.
type EmptyInputError struct {
	Lead   string // empty when the whole collection is empty
	Reason string
}

func (e *EmptyInputError) Error() string {
	if e.Lead == "" {
		return fmt.Sprintf("empty input: %s", e.Reason)
	}
	return fmt.Sprintf("empty input: lead %s: %s", e.Lead, e.Reason)
}

// NonNumericDataError is returned when a sample is NaN or infinite. Lead is
// empty when the value was found in an already concatenated row.
type NonNumericDataError struct {
	Lead  string
	Index int
	Value float64
}

func (e *NonNumericDataError) Error() string {
	if e.Lead == "" {
		return fmt.Sprintf("non-numeric data: value %d is %v", e.Index, e.Value)
	}
	return fmt.Sprintf("non-numeric data: lead %s sample %d is %v", e.Lead, e.Index, e.Value)
}

// InvalidShapeError is returned when input cannot be expressed as a single
// row, or when the lead collection itself is malformed.
type InvalidShapeError struct {
	Rows, Cols int
	Reason     string
}

func (e *InvalidShapeError) Error() string {
	return fmt.Sprintf("invalid shape %dx%d: %s", e.Rows, e.Cols, e.Reason)
}
