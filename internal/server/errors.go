package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/storage"
)

// Error kinds produced at the HTTP boundary, in addition to pipeline kinds.
const (
	kindBadImage       = "bad_image"
	kindInvalidRequest = "invalid_request"
	kindTooLarge       = "too_large"
	kindNotFound       = "not_found"
	kindNoHistory      = "history_disabled"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// classify maps err to an error kind and HTTP status.
func classify(err error) (string, int) {
	var decodeErr *extract.DecodeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &decodeErr):
		return kindBadImage, http.StatusUnprocessableEntity
	case errors.As(err, &tooLarge):
		return kindTooLarge, http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrNotFound):
		return kindNotFound, http.StatusNotFound
	}

	kind := pipeline.ErrorKind(err)
	switch kind {
	case pipeline.KindEmptyInput, pipeline.KindNonNumericData,
		pipeline.KindInvalidShape, pipeline.KindFeatureMismatch:
		return kind, http.StatusBadRequest
	case pipeline.KindModelInference:
		return kind, http.StatusBadGateway
	case pipeline.KindArtifactNotFound:
		return kind, http.StatusServiceUnavailable
	case pipeline.KindCanceled:
		return kind, http.StatusGatewayTimeout
	default:
		return pipeline.KindInternal, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	writeJSONError(w, status, kind, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, kind, details string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
