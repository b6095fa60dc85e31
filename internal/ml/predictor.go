package ml

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricsInterface defines metrics methods needed by the predictors
type MetricsInterface interface {
	MLPredictionsInc(role string)
	MLFailuresInc(role string)
	MLTimeoutsInc(role string)
	MLLatencyObserve(role string, seconds float64)
	MLCacheHitsInc(role string)
	MLCacheMissesInc(role string)
}

// InstrumentedPredictor records latency and outcome of every call to the
// wrapped predictor under a routing role.
type InstrumentedPredictor struct {
	next    Predictor
	role    string
	metrics MetricsInterface
}

func WithMetrics(p Predictor, role string, metrics MetricsInterface) Predictor {
	if metrics == nil {
		return p
	}
	return &InstrumentedPredictor{next: p, role: role, metrics: metrics}
}

func (ip *InstrumentedPredictor) Info() ModelInfo { return ip.next.Info() }

func (ip *InstrumentedPredictor) Predict(ctx context.Context, m Matrix) (Prediction, error) {
	start := time.Now()
	out, err := ip.next.Predict(ctx, m)
	ip.metrics.MLLatencyObserve(ip.role, time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			ip.metrics.MLTimeoutsInc(ip.role)
		}
		ip.metrics.MLFailuresInc(ip.role)
		log.Error().
			Err(err).
			Str("role", ip.role).
			Str("model", ip.next.Info().URI()).
			Int("rows", m.Rows()).
			Msg("prediction failed")
		return Prediction{}, err
	}

	ip.metrics.MLPredictionsInc(ip.role)
	return out, nil
}

func (ip *InstrumentedPredictor) Close() error { return Close(ip.next) }
