package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registry-scorer/internal/cfg"
	"registry-scorer/internal/logging"
	"registry-scorer/internal/metrics"
	"registry-scorer/internal/scoring"
	"registry-scorer/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	logCloser := logging.Setup(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	opts := []scoring.InitOption{scoring.WithInitMetrics(mw)}
	store := initializeStorage(c)
	if store != nil {
		defer store.Close()
		opts = append(opts, scoring.WithCaptureStore(store))
	}

	initCtx, initCancel := context.WithTimeout(ctx, 2*time.Minute)
	svc, err := scoring.NewInitializer(c, opts...).Init(initCtx)
	initCancel()
	if err != nil {
		log.Error().Err(err).Msg("initialization failed")
		os.Exit(1)
	}
	defer svc.Close()

	serverConfig := scoring.ServerConfig{
		Port:           c.Port,
		RequestTimeout: c.RequestTimeout,
		ErrorRate:      mw.ErrorRate,
	}
	if c.MetricsPort == 0 {
		serverConfig.MetricsHandler = promhttp.Handler()
	} else {
		startMetricsServer(ctx, c)
	}

	server := scoring.NewServer(svc, serverConfig)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	waitForShutdown(ctx, cancel, server, serverErr)
}

// initializeStorage opens the capture store if DATA_PATH is configured
func initializeStorage(c cfg.Settings) *storage.Store {
	if c.DataPath == "" {
		return nil
	}
	store, err := storage.New(c.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("storage initialization failed, continuing without captures")
		return nil
	}
	log.Info().Str("path", store.Path()).Msg("capturing scored requests")
	return store
}

// startMetricsServer serves Prometheus metrics on their own port
func startMetricsServer(ctx context.Context, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting metrics server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc, server *scoring.Server, serverErr <-chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("scoring server failed")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown timeout, forcing exit")
		return
	}
	log.Info().Msg("server stopped")
}
