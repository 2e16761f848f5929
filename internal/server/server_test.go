package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ecg-diagnosis/internal/artifact"
	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/metrics"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pca"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// stubExtractor returns canned leads, ignoring the image.
type stubExtractor struct {
	leads []signal.LeadSignal
	err   error
}

func (e stubExtractor) Extract(_ context.Context, _ image.Image) ([]signal.LeadSignal, error) {
	return e.leads, e.err
}

type testEnv struct {
	server     *Server
	store      *storage.Store
	metrics    *metrics.Metrics
	classifier *ml.StaticClassifier
}

func twoLeads() []signal.LeadSignal {
	return []signal.LeadSignal{
		{Name: "I", Samples: []float64{0.1, 0.4, 0.9, 0.2}},
		{Name: "II", Samples: []float64{0.3, 0.8, 0.5, 0.0}},
	}
}

type envOptions struct {
	noStore     bool
	classifyErr error
	extractErr  error
	maxUpload   int64
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	wrapper := metrics.NewWrapper(m)

	components := mat.NewDense(8, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		1, 0,
		0, 1,
		0, 1,
		0, 1,
		0, 1,
	})
	proj, err := pca.NewProjectionModel(make([]float64, 8), components)
	require.NoError(t, err)

	static := &ml.StaticClassifier{
		Result: &ml.PredictionResult{
			ClassIndex: 1,
			Label:      "Abnormal Heartbeat",
			Confidence: 0.9,
			Scores:     map[string]float64{"Normal": 0.1, "Abnormal Heartbeat": 0.9},
		},
		Err:    o.classifyErr,
		Labels: []string{"Normal", "Abnormal Heartbeat"},
		Width:  2,
	}
	classifier := ml.Instrument(static, wrapper, &ml.ModelMetadata{Version: "test-1"})

	p, err := pipeline.New(signal.NewBuilder("I", "II"), proj, classifier, wrapper)
	require.NoError(t, err)
	p = p.WithExtractor(stubExtractor{leads: twoLeads(), err: o.extractErr})

	var store *storage.Store
	if !o.noStore {
		store, err = storage.New(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	s := New(p, store, wrapper, Options{
		Addr:           "127.0.0.1:0",
		MaxUploadBytes: o.maxUpload,
		RequestTimeout: 5 * time.Second,
	})
	return &testEnv{server: s, store: store, metrics: m, classifier: static}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 16), G: 40, B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, extract.EncodePNG(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "printout.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, path string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func validPredictRequest() PredictRequest {
	return PredictRequest{
		RequestID: "req-1",
		Leads: []LeadPayload{
			{Name: "II", Samples: []any{0.3, 0.8, 0.5, 0.0}},
			{Name: "I", Samples: []any{0.1, "0.4", 0.9, 0.2}},
		},
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["history"])
	assert.Contains(t, resp, "classifier")
	assert.Equal(t, 0.0, resp["pipeline_error_rate"])
}

func TestModelInfo(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/model/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Leads      []string       `json:"leads"`
		Classes    []string       `json:"classes"`
		Projection map[string]int `json:"projection"`
		InputWidth int            `json:"input_width"`
		Metadata   ml.ModelMetadata
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"I", "II"}, resp.Leads)
	assert.Equal(t, []string{"Normal", "Abnormal Heartbeat"}, resp.Classes)
	assert.Equal(t, 8, resp.Projection["features"])
	assert.Equal(t, 2, resp.Projection["components"])
	assert.Equal(t, 2, resp.InputWidth)
	assert.Equal(t, "test-1", resp.Metadata.Version)
}

func TestPredictJSON(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, jsonRequest(t, "/predict", validPredictRequest()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "Abnormal Heartbeat", resp.Label)
	assert.Equal(t, "test-1", resp.ModelVersion)
	assert.Equal(t, 8, resp.SignalLength)
	require.Len(t, resp.Reduced, 2)
	assert.InDelta(t, 1.6, resp.Reduced[0], 1e-9)
	assert.InDelta(t, 1.6, resp.Reduced[1], 1e-9)
	assert.Len(t, resp.Stages, 4)
	assert.NotEmpty(t, resp.Message)

	// Leads arrive in any order but reach the classifier in canonical order
	calls := env.classifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, resp.Reduced, calls[0])

	stored, err := env.store.GetRecord(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "json", stored.Source)
	assert.ElementsMatch(t, []string{"I", "II"}, stored.Leads)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HistoryWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.PipelineRuns))
}

func TestPredictJSON_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"malformed body", `{"leads": [`, http.StatusBadRequest, kindInvalidRequest},
		{"no leads", `{"leads": []}`, http.StatusBadRequest, pipeline.KindEmptyInput},
		{"missing lead", `{"leads": [{"name": "I", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindEmptyInput},
		{"empty lead", `{"leads": [{"name": "I", "samples": [1, 2, 3, 4]}, {"name": "II", "samples": []}]}`, http.StatusBadRequest, pipeline.KindEmptyInput},
		{"text sample", `{"leads": [{"name": "I", "samples": [1, "abc", 3, 4]}, {"name": "II", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindNonNumericData},
		{"null sample", `{"leads": [{"name": "I", "samples": [1, null, 3, 4]}, {"name": "II", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindNonNumericData},
		{"nan sample", `{"leads": [{"name": "I", "samples": [1, "NaN", 3, 4]}, {"name": "II", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindNonNumericData},
		{"unknown lead", `{"leads": [{"name": "I", "samples": [1, 2, 3, 4]}, {"name": "V9", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindInvalidShape},
		{"wrong length", `{"leads": [{"name": "I", "samples": [1, 2, 3]}, {"name": "II", "samples": [1, 2, 3, 4]}]}`, http.StatusBadRequest, pipeline.KindFeatureMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(tt.body))
			rec := env.do(t, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeError(t, rec).Error)
			assert.Empty(t, env.classifier.Calls())
		})
	}
}

func TestPredictJSON_ClassifierFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{
		classifyErr: &ml.ModelInferenceError{Reason: "backend unavailable"},
	})

	rec := env.do(t, jsonRequest(t, "/predict", validPredictRequest()))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, pipeline.KindModelInference, decodeError(t, rec).Error)

	count, err := env.store.Count()
	require.NoError(t, err)
	assert.Zero(t, count, "failed predictions are not recorded")
}

func TestPredictJSON_RemoteDeadline(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer remote.Close()

	proj, err := pca.NewProjectionModel(make([]float64, 8), mat.NewDense(8, 2, nil))
	require.NoError(t, err)
	classifier := ml.NewRemote(remote.URL, []string{"Normal", "Abnormal Heartbeat"}, 5*time.Second, 0)
	p, err := pipeline.New(signal.NewBuilder("I", "II"), proj, classifier, nil)
	require.NoError(t, err)

	s := New(p, nil, nil, Options{RequestTimeout: 200 * time.Millisecond})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, jsonRequest(t, "/predict", validPredictRequest()))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, pipeline.KindCanceled, decodeError(t, rec).Error)
}

func TestPredictJSON_TooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{maxUpload: 64})

	rec := env.do(t, jsonRequest(t, "/predict", validPredictRequest()))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, kindTooLarge, decodeError(t, rec).Error)
}

func TestPredictImage(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, multipartRequest(t, "/predict/image", "image", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.RequestID, "a request id is generated when none is sent")
	require.Len(t, resp.Stages, 5)
	assert.Equal(t, pipeline.StageExtract, resp.Stages[0].Stage)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.UploadsTotal))
	assert.Zero(t, testutil.ToFloat64(env.metrics.ExtractionErrors))

	leads, err := env.store.GetLeads(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, twoLeads(), leads)
}

func TestPredictImage_Errors(t *testing.T) {
	t.Run("missing field", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		rec := env.do(t, multipartRequest(t, "/predict/image", "file", pngBytes(t)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, kindInvalidRequest, decodeError(t, rec).Error)
	})

	t.Run("undecodable image", func(t *testing.T) {
		env := newTestEnv(t, envOptions{})
		rec := env.do(t, multipartRequest(t, "/predict/image", "image", []byte("not an image")))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, kindBadImage, decodeError(t, rec).Error)
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ExtractionErrors))
	})

	t.Run("no trace found", func(t *testing.T) {
		env := newTestEnv(t, envOptions{
			extractErr: &signal.EmptyInputError{Lead: "I", Reason: "no trace found"},
		})
		rec := env.do(t, multipartRequest(t, "/predict/image", "image", pngBytes(t)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, pipeline.KindEmptyInput, resp.Error)
		assert.Contains(t, resp.Details, "no trace found")
		assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ExtractionErrors))
	})

	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t, envOptions{maxUpload: 128})
		rec := env.do(t, multipartRequest(t, "/predict/image", "image", bytes.Repeat([]byte{0xff}, 4096)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestPreviewGrayscale(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, multipartRequest(t, "/preview/grayscale", "image", pngBytes(t)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
	r, g, b, _ := img.At(9, 3).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var ids []string
	for i := 0; i < 3; i++ {
		req := validPredictRequest()
		req.RequestID = fmt.Sprintf("req-%d", i)
		rec := env.do(t, jsonRequest(t, "/predict", req))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp PredictResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		ids = append(ids, resp.ID)
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/history?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Records []storage.Record `json:"records"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)
	require.Len(t, list.Records, 2)
	assert.Equal(t, ids[2], list.Records[0].ID, "newest first")

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/history/"+ids[0], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var record storage.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "req-0", record.RequestID)

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/history/"+ids[0]+"/leads/II.png", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(rec.Body)
	assert.NoError(t, err)
}

func TestHistory_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantKind   string
	}{
		{"bad limit", "/history?limit=zero", http.StatusBadRequest, kindInvalidRequest},
		{"negative limit", "/history?limit=-1", http.StatusBadRequest, kindInvalidRequest},
		{"unknown record", "/history/missing", http.StatusNotFound, kindNotFound},
		{"unknown record lead", "/history/missing/leads/I.png", http.StatusNotFound, kindNotFound},
		{"unknown route", "/nowhere", http.StatusNotFound, kindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKind, decodeError(t, rec).Error)
		})
	}
}

func TestHistory_Disabled(t *testing.T) {
	env := newTestEnv(t, envOptions{noStore: true})

	for _, path := range []string{"/history", "/history/abc", "/history/abc/leads/I.png"} {
		rec := env.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, kindNoHistory, decodeError(t, rec).Error)
	}

	// Predictions still succeed without a store
	rec := env.do(t, jsonRequest(t, "/predict", validPredictRequest()))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PredictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.ID)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRequestMetrics(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	env.do(t, httptest.NewRequest(http.MethodGet, "/history/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/health", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HTTPRequests.WithLabelValues("/history/{id}", "404")))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   string
		wantStatus int
	}{
		{"decode", &extract.DecodeError{Err: errors.New("bad header")}, kindBadImage, http.StatusUnprocessableEntity},
		{"too large", fmt.Errorf("read: %w", &http.MaxBytesError{Limit: 10}), kindTooLarge, http.StatusRequestEntityTooLarge},
		{"not found", fmt.Errorf("get: %w", storage.ErrNotFound), kindNotFound, http.StatusNotFound},
		{"empty", &signal.EmptyInputError{Reason: "no leads"}, pipeline.KindEmptyInput, http.StatusBadRequest},
		{"shape", &signal.InvalidShapeError{Rows: 2, Cols: 3}, pipeline.KindInvalidShape, http.StatusBadRequest},
		{"mismatch", &pca.FeatureMismatchError{Expected: 3060, Actual: 3000}, pipeline.KindFeatureMismatch, http.StatusBadRequest},
		{"inference", &ml.ModelInferenceError{Reason: "down"}, pipeline.KindModelInference, http.StatusBadGateway},
		{"artifact", &artifact.NotFoundError{Path: "models/PCA_ECG.bin"}, pipeline.KindArtifactNotFound, http.StatusServiceUnavailable},
		{"deadline", fmt.Errorf("classify: %w", context.DeadlineExceeded), pipeline.KindCanceled, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), pipeline.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, status := classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestStartShutdown(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	errCh := make(chan error, 1)
	go func() { errCh <- env.server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.server.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
