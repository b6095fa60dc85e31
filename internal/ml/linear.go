package ml

import (
	"context"
	"encoding/json"
	"fmt"
)

// LinearDataFile is the default artifact of the linear flavor.
const LinearDataFile = "model.json"

// LinearParams are the exported weights of a linear classifier.
// Multi-class models are one-vs-rest with one coef row per class; a binary
// model has a single coef row scoring classes[1].
type LinearParams struct {
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	Classes   []any       `json:"classes"`
}

// LinearModel classifies rows by the highest decision function value.
type LinearModel struct {
	params LinearParams
	info   ModelInfo
}

func NewLinearModel(params LinearParams, info ModelInfo) (*LinearModel, error) {
	if len(params.Coef) == 0 {
		return nil, fmt.Errorf("linear model: empty coef")
	}
	width := len(params.Coef[0])
	for i, row := range params.Coef {
		if len(row) != width {
			return nil, fmt.Errorf("linear model: coef row %d has %d weights, want %d", i, len(row), width)
		}
	}
	if len(params.Intercept) != len(params.Coef) {
		return nil, fmt.Errorf("linear model: %d intercepts for %d coef rows", len(params.Intercept), len(params.Coef))
	}
	switch {
	case len(params.Coef) == 1 && len(params.Classes) != 2:
		return nil, fmt.Errorf("linear model: binary model needs 2 classes, got %d", len(params.Classes))
	case len(params.Coef) > 1 && len(params.Classes) != len(params.Coef):
		return nil, fmt.Errorf("linear model: %d classes for %d coef rows", len(params.Classes), len(params.Coef))
	}

	info.Flavor = FlavorLinear
	info.NumFeatures = width
	info.Classes = params.Classes
	return &LinearModel{params: params, info: info}, nil
}

// ParseLinearModel decodes model.json.
func ParseLinearModel(data []byte, info ModelInfo) (*LinearModel, error) {
	var params LinearParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse linear model: %w", err)
	}
	return NewLinearModel(params, info)
}

func (l *LinearModel) Info() ModelInfo { return l.info }

func (l *LinearModel) Predict(ctx context.Context, m Matrix) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if m.Cols() != l.info.NumFeatures {
		return Prediction{}, fmt.Errorf("%w: model expects %d features, got %d", ErrFeatureCount, l.info.NumFeatures, m.Cols())
	}

	out := make([]any, m.Rows())
	for i := 0; i < m.Rows(); i++ {
		out[i] = l.classify(m.Row(i))
	}
	return Labels(out), nil
}

func (l *LinearModel) classify(x []float64) any {
	if len(l.params.Coef) == 1 {
		if l.decision(0, x) > 0 {
			return l.params.Classes[1]
		}
		return l.params.Classes[0]
	}

	best, bestScore := 0, l.decision(0, x)
	for k := 1; k < len(l.params.Coef); k++ {
		if s := l.decision(k, x); s > bestScore {
			best, bestScore = k, s
		}
	}
	return l.params.Classes[best]
}

func (l *LinearModel) decision(k int, x []float64) float64 {
	s := l.params.Intercept[k]
	for j, w := range l.params.Coef[k] {
		s += w * x[j]
	}
	return s
}
