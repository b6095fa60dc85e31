// Command sample-model writes a linear iris classifier in registry artifact
// layout and can seed a capture store with synthetic scored requests, for
// running the scorer against a file:// artifact root without a trained model.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"registry-scorer/internal/common"
	"registry-scorer/internal/ml"
	"registry-scorer/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const irisSignature = `[{"type": "tensor", "tensor-spec": {"dtype": "float64", "shape": [-1, 4]}}]`

// Separates the three iris species on petal length.
var irisParams = ml.LinearParams{
	Coef: [][]float64{
		{0, 0, -1, 0},
		{0, 0, 0, 0},
		{0, 0, 1, 0},
	},
	Intercept: []float64{2.5, 0, -5},
	Classes:   []any{0, 1, 2},
}

func main() {
	var (
		outPath  = flag.String("out", "models/iris_svc_model/1", "Artifact directory to write")
		dataPath = flag.String("data", "", "Capture store to seed (optional)")
		count    = flag.Int("captures", 100, "Number of captures to seed")
		seed     = flag.Int64("seed", 1, "Random seed")
	)
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := writeModel(*outPath); err != nil {
		log.Fatal().Err(err).Msg("failed to write model")
	}
	abs, _ := filepath.Abs(*outPath)
	log.Info().Str("artifact_uri", "file://"+filepath.ToSlash(abs)).Msg("model written")

	if *dataPath == "" {
		return
	}
	n, err := seedCaptures(*dataPath, *count, rand.New(rand.NewSource(*seed)))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed captures")
	}
	log.Info().Int("captures", n).Str("data", *dataPath).Msg("capture store seeded")
}

func writeModel(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	desc := ml.MLmodel{
		ArtifactPath:   "model",
		RunID:          uuid.NewString(),
		ModelUUID:      uuid.NewString(),
		UTCTimeCreated: time.Now().UTC().Format("2006-01-02 15:04:05.000000"),
		Flavors: map[string]map[string]any{
			ml.FlavorLinear: {"data": ml.LinearDataFile},
		},
		Signature: &ml.Signature{Inputs: irisSignature},
	}
	descData, err := yaml.Marshal(desc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ml.MLmodelFile), descData, 0644); err != nil {
		return err
	}

	params, err := json.MarshalIndent(irisParams, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ml.LinearDataFile), params, 0644)
}

func seedCaptures(dataPath string, count int, rng *rand.Rand) (int, error) {
	store, err := storage.New(dataPath)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	model, err := ml.NewLinearModel(irisParams, ml.ModelInfo{Name: common.DefaultModelName, Version: "1"})
	if err != nil {
		return 0, err
	}

	start := time.Now().Add(-time.Duration(count) * time.Minute)
	for i := 0; i < count; i++ {
		rows := 1 + rng.Intn(4)
		data := make([][]float64, rows)
		for r := range data {
			data[r] = []float64{
				4.3 + rng.Float64()*3.6,
				2.0 + rng.Float64()*2.4,
				1.0 + rng.Float64()*5.9,
				0.1 + rng.Float64()*2.4,
			}
		}
		input, err := ml.NewMatrix(data)
		if err != nil {
			return i, err
		}
		output, err := model.Predict(context.Background(), input)
		if err != nil {
			return i, err
		}

		role := common.RolePrimary
		if rows > common.DefaultRowThreshold {
			role = common.RoleFallback
		}
		err = store.Put(storage.Capture{
			RequestID:    uuid.NewString(),
			Timestamp:    start.Add(time.Duration(i) * time.Minute),
			Role:         role,
			ModelName:    common.DefaultModelName,
			ModelVersion: "1",
			Input:        input,
			Output:       output,
		})
		if err != nil {
			return i, fmt.Errorf("put capture %d: %w", i, err)
		}
	}
	return count, nil
}
