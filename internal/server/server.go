// Package server exposes the diagnosis pipeline over HTTP: JSON and image
// prediction endpoints, a websocket that streams stage progress, and the
// prediction history with per-lead plots.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"ecg-diagnosis/internal/metrics"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Options tunes request handling.
type Options struct {
	Addr           string
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// Server serves the diagnosis API.
type Server struct {
	pipeline *pipeline.Pipeline
	store    *storage.Store          // nil disables history
	metrics  *metrics.MetricsWrapper // nil disables instrumentation
	opts     Options

	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]struct{}
}

// healthReporter is implemented by classifiers that track their own health.
type healthReporter interface {
	Health() *ml.HealthStatus
}

// metadataProvider is implemented by classifiers that carry model metadata.
type metadataProvider interface {
	Metadata() *ml.ModelMetadata
}

// New builds the API server. store and m may be nil.
func New(p *pipeline.Pipeline, store *storage.Store, m *metrics.MetricsWrapper, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	s := &Server{
		pipeline: p,
		store:    store,
		metrics:  m,
		opts:     opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		wsConns: make(map[*websocket.Conn]struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/model/info", s.handleModelInfo).Methods("GET")
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/predict/image", s.handlePredictImage).Methods("POST")
	r.HandleFunc("/preview/grayscale", s.handlePreviewGrayscale).Methods("POST")
	r.HandleFunc("/ws/predict", s.handleWSPredict).Methods("GET")
	r.HandleFunc("/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/history/{id}", s.handleHistoryRecord).Methods("GET")
	r.HandleFunc("/history/{id}/leads/{lead}.png", s.handleHistoryLead).Methods("GET")
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not allowed on "+r.URL.Path)
	})
	r.Use(s.instrument)
	s.router = r

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      r,
		ReadTimeout:  opts.RequestTimeout,
		WriteTimeout: opts.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes open websocket streams and waits
// for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsMu.Lock()
	for conn := range s.wsConns {
		conn.Close()
	}
	s.wsConns = make(map[*websocket.Conn]struct{})
	s.wsMu.Unlock()

	return s.server.Shutdown(ctx)
}
