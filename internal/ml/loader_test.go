package ml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapFetcher map[string]string

func (f mapFetcher) Fetch(_ context.Context, artifactURI, rel string) ([]byte, error) {
	data, ok := f[artifactURI+"/"+rel]
	if !ok {
		return nil, fmt.Errorf("fetch %s/%s: %w", artifactURI, rel, os.ErrNotExist)
	}
	return []byte(data), nil
}

const irisMLmodel = `artifact_path: model
flavors:
  linear:
    data: weights.json
  python_function:
    loader_module: mlflow.sklearn
run_id: 4f0c1e
utc_time_created: '2024-03-01 10:15:30.123456'
signature:
  inputs: '[{"type": "tensor", "tensor-spec": {"dtype": "float64", "shape": [-1, 4]}}]'
  outputs: '[{"type": "tensor", "tensor-spec": {"dtype": "int64", "shape": [-1]}}]'
`

// Separates the three iris classes on petal length (feature 2).
const irisWeights = `{
  "coef": [[0, 0, -1, 0], [0, 0, 0, 0], [0, 0, 1, 0]],
  "intercept": [2.5, 0, -5],
  "classes": [0, 1, 2]
}`

func TestLoad_LinearFlavor(t *testing.T) {
	f := mapFetcher{
		"mem://iris/1/MLmodel":      irisMLmodel,
		"mem://iris/1/weights.json": irisWeights,
	}

	p, err := Load(context.Background(), f, "mem://iris/1", ModelInfo{Name: "iris_svc_model", Version: "1"}, LoadOptions{})
	require.NoError(t, err)

	info := p.Info()
	assert.Equal(t, FlavorLinear, info.Flavor)
	assert.Equal(t, 4, info.NumFeatures)
	assert.Equal(t, "4f0c1e", info.RunID)
	assert.Equal(t, "mem://iris/1", info.ArtifactURI)
	assert.Equal(t, 2024, info.CreatedAt.Year())
	assert.False(t, info.LoadedAt.IsZero())
	assert.Equal(t, "models:/iris_svc_model/1", info.URI())

	m, err := NewMatrix([][]float64{
		{5.1, 3.5, 1.4, 0.2},
		{6.2, 2.9, 4.3, 1.3},
		{7.7, 3.0, 6.1, 2.3},
	})
	require.NoError(t, err)

	out, err := p.Predict(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, Labels([]any{0.0, 1.0, 2.0}), out)
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		files   mapFetcher
		wantErr error
	}{
		{
			name:    "missing MLmodel",
			files:   mapFetcher{},
			wantErr: os.ErrNotExist,
		},
		{
			name: "unsupported flavor",
			files: mapFetcher{
				"mem://m/MLmodel": "flavors:\n  sklearn:\n    pickled_model: model.pkl\n",
			},
			wantErr: ErrUnsupportedFlavor,
		},
		{
			name: "missing weights",
			files: mapFetcher{
				"mem://m/MLmodel": "flavors:\n  linear: {}\n",
			},
			wantErr: os.ErrNotExist,
		},
		{
			name: "signature width mismatch",
			files: mapFetcher{
				"mem://m/MLmodel":    "flavors:\n  linear: {}\nsignature:\n  inputs: '[{\"name\": \"a\", \"type\": \"double\"}, {\"name\": \"b\", \"type\": \"double\"}]'\n",
				"mem://m/model.json": irisWeights,
			},
			wantErr: ErrFeatureCount,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), tc.files, "mem://m", ModelInfo{Name: "m", Version: "1"}, LoadOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "expected %v, got %v", tc.wantErr, err)
		})
	}
}

func TestParseMLmodel(t *testing.T) {
	desc, err := ParseMLmodel([]byte(irisMLmodel))
	require.NoError(t, err)
	assert.Equal(t, []string{"linear", "python_function"}, desc.FlavorNames())
	assert.Equal(t, "weights.json", desc.FlavorFile(FlavorLinear, "data", LinearDataFile))
	assert.Equal(t, ONNXDataFile, desc.FlavorFile(FlavorONNX, "data", ONNXDataFile))
	assert.Equal(t, 4, desc.NumFeatures())

	_, err = ParseMLmodel([]byte("artifact_path: model\n"))
	assert.Error(t, err)

	_, err = ParseMLmodel([]byte("flavors: [unclosed"))
	assert.Error(t, err)
}

func TestLinearModel(t *testing.T) {
	binary, err := NewLinearModel(LinearParams{
		Coef:      [][]float64{{1, -1}},
		Intercept: []float64{0},
		Classes:   []any{"no", "yes"},
	}, ModelInfo{Name: "b", Version: "2"})
	require.NoError(t, err)

	m, err := NewMatrix([][]float64{{2, 1}, {1, 2}, {1, 1}})
	require.NoError(t, err)
	out, err := binary.Predict(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, Labels([]any{"yes", "no", "no"}), out)

	narrow, err := NewMatrix([][]float64{{1}})
	require.NoError(t, err)
	_, err = binary.Predict(context.Background(), narrow)
	assert.True(t, errors.Is(err, ErrFeatureCount))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = binary.Predict(ctx, m)
	assert.True(t, errors.Is(err, context.Canceled))

	invalid := []LinearParams{
		{},
		{Coef: [][]float64{{1, 2}, {1}}, Intercept: []float64{0, 0}, Classes: []any{0, 1}},
		{Coef: [][]float64{{1}}, Intercept: []float64{0, 1}, Classes: []any{0, 1}},
		{Coef: [][]float64{{1}}, Intercept: []float64{0}, Classes: []any{0}},
		{Coef: [][]float64{{1}, {2}, {3}}, Intercept: []float64{0, 0, 0}, Classes: []any{0, 1}},
	}
	for i, params := range invalid {
		_, err := NewLinearModel(params, ModelInfo{})
		assert.Error(t, err, "case %d", i)
	}
}
