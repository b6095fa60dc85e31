package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"registry-scorer/internal/cfg"
	"registry-scorer/internal/common"
	"registry-scorer/internal/metrics"
	"registry-scorer/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearMLmodel = "artifact_path: model\nflavors:\n  linear:\n    data: model.json\nrun_id: run%s\n"

// Picks class by petal length, shifted per version so outputs differ.
func linearWeights(shift float64) string {
	return fmt.Sprintf(`{"coef": [[0, 0, -1, 0], [0, 0, 0, 0], [0, 0, 1, 0]], "intercept": [%g, 0, %g], "classes": [0, 1, 2]}`,
		2.5+shift, -5+shift)
}

type memorySource struct {
	mu       sync.Mutex
	versions map[string]*registry.ModelVersion
	files    map[string]string
	resolved []string
}

func newMemorySource() *memorySource {
	src := &memorySource{
		versions: map[string]*registry.ModelVersion{},
		files:    map[string]string{},
	}
	src.add("1", 0)
	src.add("3", 3)
	src.versions["latest"] = src.versions["3"]
	return src
}

func (m *memorySource) add(version string, shift float64) {
	uri := "mem://iris/" + version
	m.versions[version] = &registry.ModelVersion{
		Name:              "iris_svc_model",
		Version:           version,
		CreationTimestamp: registry.Millis(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()),
		RunID:             "run" + version,
		ArtifactURI:       uri,
	}
	m.files[uri+"/MLmodel"] = fmt.Sprintf(linearMLmodel, version)
	m.files[uri+"/model.json"] = linearWeights(shift)
}

func (m *memorySource) Resolve(_ context.Context, name, selector string) (*registry.ModelVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, selector)
	mv, ok := m.versions[selector]
	if !ok || name != "iris_svc_model" {
		return nil, fmt.Errorf("resolve models:/%s/%s: %w", name, selector, registry.ErrModelNotFound)
	}
	copied := *mv
	return &copied, nil
}

func (m *memorySource) Fetch(_ context.Context, artifactURI, rel string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[artifactURI+"/"+rel]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(data), nil
}

func testSettings() cfg.Settings {
	return cfg.Settings{
		TrackingURI:          "http://registry.invalid",
		RegistryAuth:         common.AuthNone,
		RegistryTimeout:      5 * time.Second,
		ModelName:            common.DefaultModelName,
		PrimaryModelVersion:  common.DefaultPrimaryModelVersion,
		FallbackModelVersion: common.DefaultFallbackModelVersion,
		RowThreshold:         common.DefaultRowThreshold,
		RequestTimeout:       5 * time.Second,
	}
}

func TestInitializer_Init(t *testing.T) {
	req := require.New(t)
	src := newMemorySource()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())

	initializer := NewInitializer(testSettings(), WithSource(src), WithInitMetrics(metrics.NewWrapper(m)))
	svc, err := initializer.Init(context.Background())
	req.NoError(err)
	req.NotNil(svc)
	defer svc.Close()

	req.ElementsMatch([]string{"1", "latest"}, src.resolved)

	models := svc.Models()
	req.Equal("1", models[common.RolePrimary].Version)
	req.Equal("latest", models[common.RoleFallback].Selector)
	req.Equal("3", models[common.RoleFallback].Version)
	req.Equal("run3", models[common.RoleFallback].RunID)
	req.Equal(4, models[common.RolePrimary].NumFeatures)

	// Petal length 4.3: primary says class 1, the shifted fallback says class 2.
	res, err := svc.Handle(context.Background(), []byte(`{"input_data": {"data": [[6.2, 2.9, 4.3, 1.3], [6.2, 2.9, 4.3, 1.3]]}}`))
	req.NoError(err)
	req.Equal(common.RolePrimary, res.Role)
	out, _ := json.Marshal(res.Prediction)
	req.JSONEq(`[1, 1]`, string(out))

	res, err = svc.Handle(context.Background(), []byte(`{"input_data": {"data": [[6.2, 2.9, 4.3, 1.3], [6.2, 2.9, 4.3, 1.3], [6.2, 2.9, 4.3, 1.3]]}}`))
	req.NoError(err)
	req.Equal(common.RoleFallback, res.Role)
	out, _ = json.Marshal(res.Prediction)
	req.JSONEq(`[2, 2, 2]`, string(out))

	req.Equal(1.0, testutil.ToFloat64(m.ModelInfo.WithLabelValues(common.RolePrimary, "iris_svc_model", "1", "linear")))
	req.Equal(1.0, testutil.ToFloat64(m.ModelInfo.WithLabelValues(common.RoleFallback, "iris_svc_model", "3", "linear")))
	req.Equal(1.0, testutil.ToFloat64(m.MLPredictions.WithLabelValues(common.RoleFallback)))
}

func TestInitializer_RunsOnce(t *testing.T) {
	initializer := NewInitializer(testSettings(), WithSource(newMemorySource()))

	svc, err := initializer.Init(context.Background())
	require.NoError(t, err)
	require.NotNil(t, svc)

	again, err := initializer.Init(context.Background())
	assert.Nil(t, again)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitializer_ConcurrentInit(t *testing.T) {
	initializer := NewInitializer(testSettings(), WithSource(newMemorySource()))

	var successes, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := initializer.Init(context.Background())
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyInitialized):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(7), already.Load())
}

func TestInitializer_Failures(t *testing.T) {
	t.Run("fallback missing", func(t *testing.T) {
		src := newMemorySource()
		delete(src.versions, "latest")

		_, err := NewInitializer(testSettings(), WithSource(src)).Init(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, registry.ErrModelNotFound)
		assert.Contains(t, err.Error(), "fallback")
	})

	t.Run("primary missing", func(t *testing.T) {
		settings := testSettings()
		settings.PrimaryModelVersion = "7"

		_, err := NewInitializer(settings, WithSource(newMemorySource())).Init(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, registry.ErrModelNotFound)
		assert.Contains(t, err.Error(), "primary")
	})

	t.Run("artifact missing", func(t *testing.T) {
		src := newMemorySource()
		delete(src.files, "mem://iris/1/model.json")

		_, err := NewInitializer(testSettings(), WithSource(src)).Init(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("failed init is not retried", func(t *testing.T) {
		src := newMemorySource()
		delete(src.versions, "1")
		initializer := NewInitializer(testSettings(), WithSource(src))

		_, err := initializer.Init(context.Background())
		require.Error(t, err)
		_, err = initializer.Init(context.Background())
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	})

	t.Run("token auth without token", func(t *testing.T) {
		settings := testSettings()
		settings.RegistryAuth = common.AuthToken

		_, err := NewInitializer(settings).Init(context.Background())
		assert.Error(t, err)
	})
}

// mlflowServer serves two registered versions of one linear model.
func mlflowServer(t *testing.T, authSeen *atomic.Value) *httptest.Server {
	src := newMemorySource()
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	record := func(r *http.Request) {
		if authSeen != nil {
			authSeen.Store(r.Header.Get("Authorization"))
		}
	}
	mlflowVersion := func(mv *registry.ModelVersion) map[string]any {
		return map[string]any{
			"name":               mv.Name,
			"version":            mv.Version,
			"creation_timestamp": fmt.Sprint(int64(mv.CreationTimestamp)),
			"current_stage":      "None",
			"source":             "mlflow-artifacts:/models/" + mv.Version,
			"run_id":             mv.RunID,
			"status":             "READY",
		}
	}

	mux.HandleFunc("/api/2.0/mlflow/model-versions/get", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		mv, ok := src.versions[r.URL.Query().Get("version")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]string{"error_code": "RESOURCE_DOES_NOT_EXIST", "message": "not found"})
			return
		}
		writeJSON(w, map[string]any{"model_version": mlflowVersion(mv)})
	})
	mux.HandleFunc("/api/2.0/mlflow/registered-models/get-latest-versions", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, map[string]any{"model_versions": []any{mlflowVersion(src.versions["1"]), mlflowVersion(src.versions["3"])}})
	})
	mux.HandleFunc("/api/2.0/mlflow/model-versions/get-download-uri", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, map[string]string{"artifact_uri": "mlflow-artifacts:/models/" + r.URL.Query().Get("version")})
	})
	mux.HandleFunc("/api/2.0/mlflow-artifacts/artifacts/models/", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		rest := strings.TrimPrefix(r.URL.Path, "/api/2.0/mlflow-artifacts/artifacts/models/")
		version, file, _ := strings.Cut(rest, "/")
		data, ok := src.files["mem://iris/"+version+"/"+file]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(data))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInitializer_AgainstRegistryAPI(t *testing.T) {
	var authSeen atomic.Value
	srv := mlflowServer(t, &authSeen)

	settings := testSettings()
	settings.TrackingURI = srv.URL
	settings.RegistryAuth = common.AuthToken
	settings.RegistryToken = "registry-token"
	settings.CacheSize = 16
	settings.CacheTTL = time.Minute

	svc, err := NewInitializer(settings).Init(context.Background())
	require.NoError(t, err)
	defer svc.Close()

	models := svc.Models()
	assert.Equal(t, "1", models[common.RolePrimary].Version)
	assert.Equal(t, "3", models[common.RoleFallback].Version)
	assert.Equal(t, "mlflow-artifacts:/models/3", models[common.RoleFallback].ArtifactURI)
	assert.Equal(t, 2024, models[common.RolePrimary].CreatedAt.Year())
	assert.Equal(t, "Bearer registry-token", authSeen.Load())

	res, err := svc.Handle(context.Background(), []byte(`{"input_data": {"data": [[5.1, 3.5, 1.4, 0.2]]}}`))
	require.NoError(t, err)
	out, _ := json.Marshal(res.Prediction)
	assert.JSONEq(t, `[0]`, string(out))
}
