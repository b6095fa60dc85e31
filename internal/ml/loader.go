package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupportedFlavor = errors.New("no supported model flavor")
	ErrFeatureCount      = errors.New("feature count mismatch")
)

// Fetcher reads a file below a model's artifact root.
type Fetcher interface {
	Fetch(ctx context.Context, artifactURI, rel string) ([]byte, error)
}

type LoadOptions struct {
	// ONNXRuntimeLib overrides the onnxruntime shared library location.
	ONNXRuntimeLib string
}

// Load reads the MLmodel descriptor under artifactURI and builds a predictor
// for the first supported flavor, onnx before linear.
func Load(ctx context.Context, f Fetcher, artifactURI string, info ModelInfo, opts LoadOptions) (Predictor, error) {
	start := time.Now()

	raw, err := f.Fetch(ctx, artifactURI, MLmodelFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", MLmodelFile, err)
	}
	desc, err := ParseMLmodel(raw)
	if err != nil {
		return nil, err
	}

	info.ArtifactURI = artifactURI
	if info.RunID == "" {
		info.RunID = desc.RunID
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = desc.CreatedAt()
	}
	info.LoadedAt = time.Now()

	_, hasONNX := desc.Flavors[FlavorONNX]
	_, hasLinear := desc.Flavors[FlavorLinear]

	var p Predictor
	switch {
	case hasONNX:
		p, err = loadONNX(ctx, f, desc, info, opts)
	case hasLinear:
		p, err = loadLinear(ctx, f, desc, info)
	default:
		return nil, fmt.Errorf("%w: model declares %v", ErrUnsupportedFlavor, desc.FlavorNames())
	}
	if err != nil {
		return nil, err
	}

	if want, got := desc.NumFeatures(), p.Info().NumFeatures; want > 0 && got > 0 && want != got {
		_ = Close(p)
		return nil, fmt.Errorf("%w: signature declares %d inputs, model takes %d", ErrFeatureCount, want, got)
	}

	loaded := p.Info()
	log.Info().
		Str("model", loaded.URI()).
		Str("flavor", loaded.Flavor).
		Int("features", loaded.NumFeatures).
		Dur("took", time.Since(start)).
		Msg("model loaded")

	return p, nil
}

func loadONNX(ctx context.Context, f Fetcher, desc *MLmodel, info ModelInfo, opts LoadOptions) (Predictor, error) {
	if err := InitONNXRuntime(opts.ONNXRuntimeLib); err != nil {
		return nil, err
	}
	file := desc.FlavorFile(FlavorONNX, "data", ONNXDataFile)
	data, err := f.Fetch(ctx, info.ArtifactURI, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return NewONNXModel(data, info)
}

func loadLinear(ctx context.Context, f Fetcher, desc *MLmodel, info ModelInfo) (Predictor, error) {
	file := desc.FlavorFile(FlavorLinear, "data", LinearDataFile)
	data, err := f.Fetch(ctx, info.ArtifactURI, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return ParseLinearModel(data, info)
}
