package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"registry-scorer/internal/common"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Port           int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	// ErrorRate, when set, is reported by /health.
	ErrorRate func() float64
}

// Server exposes a Service over HTTP
type Server struct {
	svc      *Service
	config   ServerConfig
	server   *http.Server
	started  time.Time
	draining atomic.Bool
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Stage     string `json:"stage"`
	RequestID string `json:"request_id"`
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	ErrorRate     *float64 `json:"error_rate,omitempty"`
}

// ModelInfoResponse is the body of /model/info.
type ModelInfoResponse struct {
	RowThreshold int         `json:"row_threshold"`
	Models       interface{} `json:"models"`
}

func NewServer(svc *Service, config ServerConfig) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = common.DefaultMaxBodyBytes
	}

	s := &Server{
		svc:     svc,
		config:  config,
		started: time.Now(),
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      config.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/model/info", s.handleModelInfo)
	if s.config.MetricsHandler != nil {
		mux.Handle("/metrics", s.config.MetricsHandler)
	}
	return mux
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting scoring server")
	return s.server.ListenAndServe()
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	return s.server.Shutdown(ctx)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(common.HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(common.HeaderRequestID, requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{
			Error:     "method not allowed",
			Stage:     string(StageParse),
			RequestID: requestID,
		})
		return
	}

	if s.svc == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:     "scoring service not initialized",
			Stage:     string(StagePredict),
			RequestID: requestID,
		})
		return
	}

	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, ErrorResponse{
			Error:     fmt.Sprintf("failed to read request body: %v", err),
			Stage:     string(StageParse),
			RequestID: requestID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(WithRequestID(r.Context(), requestID), s.config.RequestTimeout)
	defer cancel()

	res, err := s.svc.Handle(ctx, body)
	if err != nil {
		status := StatusOf(err)
		resp := ErrorResponse{Error: err.Error(), RequestID: requestID}
		var se *Error
		if errors.As(err, &se) {
			resp.Error = se.Message
			resp.Stage = string(se.Stage)
		}

		event := log.Warn()
		if status >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.Err(err).
			Str("request_id", requestID).
			Str("stage", resp.Stage).
			Int("status", status).
			Msg("scoring request failed")

		writeJSON(w, status, resp)
		return
	}

	w.Header().Set(common.HeaderModelRole, res.Role)
	w.Header().Set(common.HeaderModelVer, res.Model.Version)
	writeJSON(w, http.StatusOK, res.Prediction)

	log.Info().
		Str("request_id", requestID).
		Str("role", res.Role).
		Str("model_version", res.Model.Version).
		Int("rows", res.Rows).
		Dur("latency", time.Since(start)).
		Msg("scored")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.config.ErrorRate != nil {
		rate := s.config.ErrorRate()
		health.ErrorRate = &rate
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil || s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if s.svc == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, ModelInfoResponse{
		RowThreshold: s.svc.Router().Threshold(),
		Models:       s.svc.Models(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}
