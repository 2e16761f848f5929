package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// PredictionRequest is the body sent to a remote inference service.
type PredictionRequest struct {
	Features  []float64 `json:"features"`
	RequestID string    `json:"request_id,omitempty"`
}

// PredictionResponse is the body returned by a remote inference service.
type PredictionResponse struct {
	Probabilities []float64 `json:"probabilities"`
	Prediction    int       `json:"prediction"`
	Version       string    `json:"version,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RemoteClassifier delegates classification to an HTTP inference service
// hosting the pretrained model.
type RemoteClassifier struct {
	url     string
	classes []string
	rest    *resty.Client
}

// NewRemote returns a client for the service at url. Transport errors and
// 5xx responses are retried up to retries times.
func NewRemote(url string, classes []string, timeout time.Duration, retries int) *RemoteClassifier {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetRetryCount(retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		})

	return &RemoteClassifier{
		url:     url,
		classes: append([]string(nil), classes...),
		rest:    r,
	}
}

// Classes implements Classifier.
func (c *RemoteClassifier) Classes() []string {
	return append([]string(nil), c.classes...)
}

// Predict implements Classifier.
func (c *RemoteClassifier) Predict(ctx context.Context, reduced []float64) (*PredictionResult, error) {
	if len(reduced) == 0 {
		return nil, inferenceErr(nil, "empty feature vector")
	}
	for i, v := range reduced {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, inferenceErr(nil, "feature %d is %v", i, v)
		}
	}

	out := &PredictionResponse{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(PredictionRequest{Features: reduced}).
		SetResult(out).
		SetError(out).
		Post(c.url)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, inferenceErr(err, "remote classifier did not answer")
		}
		return nil, inferenceErr(err, "remote classifier request failed")
	}
	if resp.IsError() {
		log.Error().
			Int("status", resp.StatusCode()).
			Str("url", c.url).
			Str("remote_error", out.Error).
			Msg("Remote classifier returned error status")
		return nil, inferenceErr(nil, "remote classifier returned %d: %s", resp.StatusCode(), out.Error)
	}
	if out.Error != "" {
		return nil, inferenceErr(nil, "remote classifier error: %s", out.Error)
	}

	return c.toResult(out)
}

func (c *RemoteClassifier) toResult(out *PredictionResponse) (*PredictionResult, error) {
	if out.Prediction < 0 || out.Prediction >= len(c.classes) {
		return nil, inferenceErr(nil, "prediction %d outside %d known classes", out.Prediction, len(c.classes))
	}
	if len(out.Probabilities) != 0 && len(out.Probabilities) != len(c.classes) {
		return nil, inferenceErr(nil, "expected %d probabilities, got %d", len(c.classes), len(out.Probabilities))
	}

	scores := make(map[string]float64, len(out.Probabilities))
	for i, p := range out.Probabilities {
		if p < 0 || p > 1 || math.IsNaN(p) {
			return nil, inferenceErr(nil, "invalid probability %d: %f", i, p)
		}
		scores[c.classes[i]] = p
	}

	confidence := 1.0
	if len(out.Probabilities) > 0 {
		confidence = out.Probabilities[out.Prediction]
	}

	return &PredictionResult{
		ClassIndex:   out.Prediction,
		Label:        c.classes[out.Prediction],
		Confidence:   confidence,
		Scores:       scores,
		ModelVersion: out.Version,
	}, nil
}

func (c *RemoteClassifier) String() string {
	return fmt.Sprintf("remote(%s)", c.url)
}
