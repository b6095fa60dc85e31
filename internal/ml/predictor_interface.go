// Package ml loads registered classifiers and runs them over numeric input
// matrices. Models are described by an MLmodel file and executed either by
// onnxruntime (onnx flavor) or by a pure Go linear classifier (linear flavor).
//
// Predictors returned by this package are safe for concurrent use.
package ml

//go:generate go run go.uber.org/mock/mockgen -source=predictor_interface.go -destination=../mocks/mock_predictor.go -package=mocks

import (
	"context"
	"time"
)

// Predictor runs one loaded model.
type Predictor interface {
	// Predict returns one output vector per input row.
	Predict(ctx context.Context, input Matrix) (Prediction, error)

	// Info describes the loaded model version.
	Info() ModelInfo
}

// Closer is implemented by predictors holding native resources.
type Closer interface {
	Close() error
}

// ModelInfo contains information about a loaded model version
type ModelInfo struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Selector    string    `json:"selector"`
	Flavor      string    `json:"flavor"`
	RunID       string    `json:"run_id,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	ArtifactURI string    `json:"artifact_uri"`
	NumFeatures int       `json:"num_features,omitempty"`
	Classes     []any     `json:"classes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// URI is the registry reference of the exact loaded version.
func (i ModelInfo) URI() string {
	return "models:/" + i.Name + "/" + i.Version
}

// Close releases native resources held by p, if any.
func Close(p Predictor) error {
	if c, ok := p.(Closer); ok {
		return c.Close()
	}
	return nil
}
