// Package scoring routes scoring requests between a primary and a fallback
// model by input size and exposes the result over HTTP.
package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"registry-scorer/internal/common"
	"registry-scorer/internal/ml"
	"registry-scorer/internal/storage"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines metrics methods needed by the service
type MetricsInterface interface {
	ScoreRequestsInc(role string)
	ScoreFailuresInc(stage string)
	ScoreLatencyObserve(seconds float64)
	ScoreRowsObserve(rows int)
	CaptureErrorsInc()
}

// CaptureStore persists scored requests.
type CaptureStore interface {
	Put(c storage.Capture) error
}

// Options tune a Service. The zero value routes with threshold 0 and records
// nothing; use DefaultOptions for the standard threshold.
type Options struct {
	RowThreshold int
	Metrics      MetricsInterface
	Captures     CaptureStore
}

func DefaultOptions() Options {
	return Options{RowThreshold: common.DefaultRowThreshold}
}

// Service holds the two loaded models. It is immutable after construction and
// safe for concurrent use.
type Service struct {
	predictors map[string]ml.Predictor
	router     Router
	metrics    MetricsInterface
	captures   CaptureStore
}

// Result is a successful scoring.
type Result struct {
	Prediction ml.Prediction
	Role       string
	Model      ml.ModelInfo
	Rows       int

	input ml.Matrix
}

func NewService(primary, fallback ml.Predictor, opts Options) (*Service, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("both primary and fallback predictors are required")
	}
	router, err := NewRouter(opts.RowThreshold)
	if err != nil {
		return nil, err
	}
	return &Service{
		predictors: map[string]ml.Predictor{
			common.RolePrimary:  primary,
			common.RoleFallback: fallback,
		},
		router:   router,
		metrics:  opts.Metrics,
		captures: opts.Captures,
	}, nil
}

// Handle scores one raw request body. Errors are *Error values.
func (s *Service) Handle(ctx context.Context, body []byte) (*Result, error) {
	start := time.Now()
	res, err := s.handle(ctx, body)

	if s.metrics != nil {
		s.metrics.ScoreLatencyObserve(time.Since(start).Seconds())
		var se *Error
		switch {
		case errors.As(err, &se):
			s.metrics.ScoreFailuresInc(string(se.Stage))
		case err == nil:
			s.metrics.ScoreRequestsInc(res.Role)
			s.metrics.ScoreRowsObserve(res.Rows)
		}
	}
	if err != nil {
		return nil, err
	}

	s.capture(ctx, res, start)
	return res, nil
}

func (s *Service) handle(ctx context.Context, body []byte) (*Result, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		if json.Valid(body) {
			// Valid JSON that is not an object cannot carry input_data.
			return nil, newError(StageValidate, ErrMissingInputData)
		}
		return nil, newError(StageParse, fmt.Errorf("invalid JSON body: %w", err))
	}

	inputData, ok := envelope[common.InputDataKey]
	if !ok {
		return nil, newError(StageValidate, ErrMissingInputData)
	}
	log.Debug().RawJSON("input_data", inputData).Msg("request received")

	m, err := extractMatrix(inputData)
	if err != nil {
		return nil, newError(StageShape, err)
	}

	role := s.router.Route(m.Rows())
	predictor := s.predictors[role]

	if err := ctx.Err(); err != nil {
		return nil, newError(StagePredict, err)
	}
	out, err := predictor.Predict(ctx, m)
	if err != nil {
		return nil, newError(StagePredict, err)
	}
	if out.Len() != m.Rows() {
		return nil, newError(StagePredict, fmt.Errorf("model returned %d predictions for %d rows", out.Len(), m.Rows()))
	}

	return &Result{
		Prediction: out,
		Role:       role,
		Model:      predictor.Info(),
		Rows:       m.Rows(),
		input:      m,
	}, nil
}

func extractMatrix(inputData json.RawMessage) (ml.Matrix, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(inputData, &payload); err != nil || payload == nil {
		return ml.Matrix{}, fmt.Errorf("%w: %s must be an object", ml.ErrNotMatrix, common.InputDataKey)
	}
	data, ok := payload[common.DataKey]
	if !ok {
		return ml.Matrix{}, fmt.Errorf("%w: %s has no key %q", ml.ErrNotMatrix, common.InputDataKey, common.DataKey)
	}
	return ml.ParseMatrix(data)
}

func (s *Service) capture(ctx context.Context, res *Result, start time.Time) {
	if s.captures == nil {
		return
	}
	err := s.captures.Put(storage.Capture{
		RequestID:    RequestIDFromContext(ctx),
		Timestamp:    start,
		Role:         res.Role,
		ModelName:    res.Model.Name,
		ModelVersion: res.Model.Version,
		Input:        res.input,
		Output:       res.Prediction,
		LatencyMs:    float64(time.Since(start).Microseconds()) / 1000,
	})
	if err != nil {
		log.Warn().Err(err).Str("request_id", RequestIDFromContext(ctx)).Msg("failed to store capture")
		if s.metrics != nil {
			s.metrics.CaptureErrorsInc()
		}
	}
}

// Router returns the routing policy.
func (s *Service) Router() Router { return s.router }

// Models describes the loaded model per role.
func (s *Service) Models() map[string]ml.ModelInfo {
	out := make(map[string]ml.ModelInfo, len(s.predictors))
	for role, p := range s.predictors {
		out[role] = p.Info()
	}
	return out
}

// Close releases both predictors.
func (s *Service) Close() error {
	var errs []error
	for _, p := range s.predictors {
		if err := ml.Close(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type requestIDKey struct{}

// WithRequestID attaches a request ID used for logs and captures.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
