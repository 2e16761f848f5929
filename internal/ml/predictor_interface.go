// Package ml provides the diagnostic classifiers applied to reduced ECG
// feature vectors. It includes the Classifier interface, a linear model
// loaded from a JSON artifact, a client for a remote inference service, and
// a metrics-instrumented wrapper.
//
// Classifiers are loaded once and are read-only afterwards; every
// implementation is safe for concurrent use.
package ml

import (
	"context"
	"fmt"
)

// Classifier maps a reduced feature vector to a diagnostic prediction.
// Implementations must be deterministic for a given artifact and input.
type Classifier interface {
	// Predict classifies one reduced vector. Malformed input or backend
	// failures are reported as *ModelInferenceError.
	Predict(ctx context.Context, reduced []float64) (*PredictionResult, error)

	// Classes returns the label for each class index.
	Classes() []string
}

// InputWidther is implemented by classifiers that know their input width,
// so a pipeline can reject an incompatible projection at startup.
type InputWidther interface {
	InputWidth() int
}

// PredictionResult is the outcome of one classification.
type PredictionResult struct {
	ClassIndex   int                `json:"class_index"`
	Label        string             `json:"label"`
	Confidence   float64            `json:"confidence"`
	Scores       map[string]float64 `json:"scores,omitempty"`
	ModelVersion string             `json:"model_version,omitempty"`
}

// Message renders the result as the sentence shown to users.
func (r *PredictionResult) Message() string {
	if r == nil {
		return ""
	}
	if r.Label == "Normal" {
		return "Your ECG is Normal"
	}
	return fmt.Sprintf("Your ECG corresponds to %s", r.Label)
}

// ModelInferenceError reports a classifier that could not produce a result.
type ModelInferenceError struct {
	Reason string
	Err    error
}

func (e *ModelInferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model inference failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("model inference failed: %s", e.Reason)
}

func (e *ModelInferenceError) Unwrap() error { return e.Err }

func inferenceErr(err error, format string, args ...any) *ModelInferenceError {
	return &ModelInferenceError{Reason: fmt.Sprintf(format, args...), Err: err}
}
