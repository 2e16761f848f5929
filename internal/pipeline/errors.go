package pipeline

import (
	"context"
	"errors"

	"ecg-diagnosis/internal/artifact"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pca"
	"ecg-diagnosis/internal/signal"
)

// Error kinds reported by ErrorKind.
const (
	KindEmptyInput       = "empty_input"
	KindNonNumericData   = "non_numeric_data"
	KindInvalidShape     = "invalid_shape"
	KindFeatureMismatch  = "feature_mismatch"
	KindArtifactNotFound = "artifact_not_found"
	KindModelInference   = "model_inference"
	KindCanceled         = "canceled"
	KindInternal         = "internal"
)

// ErrorKind maps err to a stable label for responses and metrics.
func ErrorKind(err error) string {
	var (
		empty    *signal.EmptyInputError
		nonNum   *signal.NonNumericDataError
		shape    *signal.InvalidShapeError
		mismatch *pca.FeatureMismatchError
		notFound *artifact.NotFoundError
		infer    *ml.ModelInferenceError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &empty):
		return KindEmptyInput
	case errors.As(err, &nonNum):
		return KindNonNumericData
	case errors.As(err, &shape):
		return KindInvalidShape
	case errors.As(err, &mismatch):
		return KindFeatureMismatch
	case errors.As(err, &notFound):
		return KindArtifactNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Checked before inference errors, which wrap the context error
		return KindCanceled
	case errors.As(err, &infer):
		return KindModelInference
	default:
		return KindInternal
	}
}
