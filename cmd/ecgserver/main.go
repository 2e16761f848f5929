package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ecg-diagnosis/internal/artifact"
	"ecg-diagnosis/internal/cfg"
	"ecg-diagnosis/internal/extract"
	"ecg-diagnosis/internal/metrics"
	"ecg-diagnosis/internal/ml"
	"ecg-diagnosis/internal/pipeline"
	"ecg-diagnosis/internal/server"
	sig "ecg-diagnosis/internal/signal"
	"ecg-diagnosis/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	setupLogging(c)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize components
	m := metrics.New()
	mw := metrics.NewWrapper(m)

	classifier, err := initializeClassifier(c, mw)
	if err != nil {
		log.Fatal().Err(err).Msg("classifier initialization failed")
	}

	p, err := pipeline.Load(c.ProjectionPath, sig.NewStandardBuilder(c.IncludeLongLead), classifier, mw)
	if err != nil {
		log.Fatal().Err(err).Str("path", c.ProjectionPath).Msg("pipeline initialization failed")
	}
	p = p.WithExtractor(extract.NewGridExtractor(c.SamplesPerLead, c.IncludeLongLead))

	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
	}

	var wg sync.WaitGroup
	startMetricsServer(ctx, &wg, c, cancel)

	api := server.New(p, store, mw, server.Options{
		Addr:           c.Addr(),
		MaxUploadBytes: c.MaxUploadBytes(),
		RequestTimeout: c.RequestTimeout,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := api.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	log.Info().
		Str("addr", c.Addr()).
		Strs("leads", p.Leads()).
		Int("features", p.Projection().ExpectedFeatures()).
		Int("components", p.Projection().Components()).
		Bool("history", store != nil).
		Msg("ECG diagnosis service ready")

	waitForShutdown(ctx, cancel, &wg, api)
}

func setupLogging(c cfg.Settings) {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.ConsoleLogs() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// initializeClassifier loads the local linear model, or connects to the
// remote inference endpoint when CLASSIFIER_URL is set.
func initializeClassifier(c cfg.Settings, mw *metrics.MetricsWrapper) (*ml.InstrumentedClassifier, error) {
	if c.UsesRemoteClassifier() {
		remote := ml.NewRemote(c.ClassifierURL, c.Classes, c.ClassifierTimeout, c.ClassifierRetries)
		log.Info().Str("classifier", remote.String()).Msg("Using remote classifier")
		return ml.Instrument(remote, mw, &ml.ModelMetadata{Version: "remote", Classes: c.Classes}), nil
	}

	linear, err := ml.LoadLinear(c.ClassifierPath)
	if err != nil {
		return nil, err
	}

	md, err := ml.LoadMetadata(c.ClassifierPath)
	if err != nil {
		log.Warn().Err(err).Msg("model metadata unavailable")
		md = &ml.ModelMetadata{Version: linear.Version(), Classes: linear.Classes()}
		// Without a sidecar the artifact's mtime stands in for the training time
		if age, err := artifact.Age(c.ClassifierPath); err == nil {
			md.TrainedAt = time.Now().Add(-age)
		}
	}
	log.Info().
		Str("path", c.ClassifierPath).
		Str("version", md.Version).
		Int("input_width", linear.InputWidth()).
		Msg("Loaded linear classifier")
	return ml.Instrument(linear, mw, md), nil
}

// initializeStorage opens the prediction history if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath != "" {
		store, err := storage.New(c.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without history")
			return nil
		}
		return store
	}
	return nil
}

// startMetricsServer starts the Prometheus metrics HTTP server
func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, c cfg.Settings, cancel context.CancelFunc) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              c.MetricsAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(fmt.Errorf("metrics server: %w", err)).Msg("metrics server failed")
			cancel()
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, api *server.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown failed")
	}
	cancel()

	// Wait for all goroutines to finish with timeout
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		log.Info().Msg("all servers stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
