package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/render"
	"ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// LeadPayload is one lead in a JSON prediction request. Samples are numbers,
// or strings holding numbers; anything else is reported as non-numeric data.
type LeadPayload struct {
	Name    string `json:"name,omitempty"`
	Samples []any  `json:"samples"`
}

// PredictRequest is the body of POST /predict.
type PredictRequest struct {
	RequestID string        `json:"request_id,omitempty"`
	Leads     []LeadPayload `json:"leads"`
}

// PredictResponse is returned by every successful prediction.
type PredictResponse struct {
	ID           string                `json:"id,omitempty"`
	RequestID    string                `json:"request_id"`
	Label        string                `json:"label"`
	Message      string                `json:"message"`
	ClassIndex   int                   `json:"class_index"`
	Confidence   float64               `json:"confidence"`
	Scores       map[string]float64    `json:"scores,omitempty"`
	ModelVersion string                `json:"model_version,omitempty"`
	SignalLength int                   `json:"signal_length"`
	Reduced      []float64             `json:"reduced"`
	Stages       []pipeline.StageEvent `json:"stages"`
	LatencyMS    float64               `json:"latency_ms"`
	Timestamp    time.Time             `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"history":   s.store != nil,
	}
	if s.metrics != nil {
		resp["pipeline_error_rate"] = s.metrics.PipelineErrorRate()
	}
	if hr, ok := s.pipeline.Classifier().(healthReporter); ok {
		health := hr.Health()
		resp["classifier"] = health
		if !health.Healthy {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	proj := s.pipeline.Projection()
	classifier := s.pipeline.Classifier()

	info := map[string]interface{}{
		"leads":   s.pipeline.Leads(),
		"classes": classifier.Classes(),
		"projection": map[string]int{
			"features":   proj.ExpectedFeatures(),
			"components": proj.Components(),
		},
	}
	if iw, ok := classifier.(ml.InputWidther); ok && iw.InputWidth() > 0 {
		info["input_width"] = iw.InputWidth()
	}
	if mp, ok := classifier.(metadataProvider); ok {
		info["metadata"] = mp.Metadata()
	}
	if pm, ok := classifier.(interface{ PerformanceMetrics() map[string]interface{} }); ok {
		info["performance"] = pm.PerformanceMetrics()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	leads, err := decodeLeads(req.Leads)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	requestID := requestIDOrNew(req.RequestID)
	res, err := s.pipeline.Run(ctx, leads, nil)
	if err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("Prediction failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.respond(res, "json", requestID))
}

func (s *Server) handlePredictImage(w http.ResponseWriter, r *http.Request) {
	s.countUpload()
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	file, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	img, err := extract.Decode(file)
	if err != nil {
		s.countExtractionError()
		writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()

	requestID := requestIDOrNew(r.FormValue("request_id"))
	extracted := false
	res, err := s.pipeline.RunImage(ctx, img, func(ev pipeline.StageEvent) {
		if ev.Stage == pipeline.StageExtract {
			extracted = true
		}
	})
	if err != nil {
		if !extracted {
			s.countExtractionError()
		}
		log.Warn().Err(err).Str("request_id", requestID).Msg("Image prediction failed")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.respond(res, "image", requestID))
}

func (s *Server) handlePreviewGrayscale(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)

	file, _, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, err)
			return
		}
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "multipart field \"image\" is required")
		return
	}
	defer file.Close()

	img, err := extract.Decode(file)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := extract.EncodePNG(w, extract.Grayscale(img)); err != nil {
		log.Error().Err(err).Msg("Failed to encode grayscale preview")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindNoHistory, "prediction history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.store.ListRecords(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleHistoryRecord(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindNoHistory, "prediction history is not enabled")
		return
	}

	rec, err := s.store.GetRecord(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistoryLead(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindNoHistory, "prediction history is not enabled")
		return
	}

	vars := mux.Vars(r)
	lead, err := s.store.GetLead(vars["id"], vars["lead"])
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := render.LeadPNG(&buf, lead, 0, 0); err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, kindInvalidRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = buf.WriteTo(w)
}

// respond stores the result in history, when enabled, and builds the response.
func (s *Server) respond(res *pipeline.Result, source, requestID string) PredictResponse {
	pred := res.Prediction
	resp := PredictResponse{
		RequestID:    requestID,
		Label:        pred.Label,
		Message:      pred.Message(),
		ClassIndex:   pred.ClassIndex,
		Confidence:   pred.Confidence,
		Scores:       pred.Scores,
		ModelVersion: pred.ModelVersion,
		SignalLength: res.SignalLength,
		Reduced:      res.Reduced,
		Stages:       res.Stages,
		LatencyMS:    float64(res.Duration.Microseconds()) / 1000,
		Timestamp:    time.Now().UTC(),
	}

	if id, err := s.record(res, source, requestID); err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("Failed to store prediction")
	} else {
		resp.ID = id
	}
	return resp
}

func (s *Server) record(res *pipeline.Result, source, requestID string) (string, error) {
	if s.store == nil {
		return "", nil
	}

	names := make([]string, 0, len(res.Leads))
	for _, l := range res.Leads {
		names = append(names, l.Name)
	}

	rec := &storage.Record{
		Source:       source,
		RequestID:    requestID,
		Label:        res.Prediction.Label,
		ClassIndex:   res.Prediction.ClassIndex,
		Confidence:   res.Prediction.Confidence,
		Scores:       res.Prediction.Scores,
		ModelVersion: res.Prediction.ModelVersion,
		SignalLength: res.SignalLength,
		Reduced:      res.Reduced,
		DurationMS:   float64(res.Duration.Microseconds()) / 1000,
		Leads:        names,
	}
	if err := s.store.SaveRecord(rec); err != nil {
		s.countHistoryError()
		return "", err
	}
	if err := s.store.StoreLeads(rec.ID, res.Leads); err != nil {
		s.countHistoryError()
		return rec.ID, err
	}
	if s.metrics != nil {
		s.metrics.HistoryWrites().Inc()
	}
	return rec.ID, nil
}

// decodeLeads converts request leads to signals, reporting the first sample
// that is not a finite number.
func decodeLeads(in []LeadPayload) ([]signal.LeadSignal, error) {
	out := make([]signal.LeadSignal, len(in))
	for i, l := range in {
		samples := make([]float64, len(l.Samples))
		for j, raw := range l.Samples {
			v, ok := toFloat(raw)
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				name := l.Name
				if name == "" {
					name = strconv.Itoa(i)
				}
				if !ok {
					v = math.NaN()
				}
				return nil, &signal.NonNumericDataError{Lead: name, Index: j, Value: v}
			}
			samples[j] = v
		}
		out[i] = signal.LeadSignal{Name: l.Name, Samples: samples}
	}
	return out, nil
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func requestIDOrNew(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) countUpload() {
	if s.metrics != nil {
		s.metrics.UploadsTotal().Inc()
	}
}

func (s *Server) countExtractionError() {
	if s.metrics != nil {
		s.metrics.ExtractionErrors().Inc()
	}
}

func (s *Server) countHistoryError() {
	if s.metrics != nil {
		s.metrics.HistoryErrors().Inc()
	}
}
