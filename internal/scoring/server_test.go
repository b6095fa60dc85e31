package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"registry-scorer/internal/common"
	"registry-scorer/internal/metrics"
	"registry-scorer/internal/ml"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestServer(t *testing.T, config ServerConfig) (*Server, *httptest.Server, *Service) {
	primary, fallback := newMockPair(t)
	primary.EXPECT().Predict(gomock.Any(), gomock.Any()).DoAndReturn(labelsFor("setosa")).AnyTimes()
	fallback.EXPECT().Predict(gomock.Any(), gomock.Any()).DoAndReturn(labelsFor("virginica")).AnyTimes()

	svc, err := NewService(primary, fallback, DefaultOptions())
	require.NoError(t, err)

	srv := NewServer(svc, config)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, svc
}

func postScore(t *testing.T, url string, body []byte, requestID string) *http.Response {
	r, err := http.NewRequest(http.MethodPost, url+"/score", bytes.NewReader(body))
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		r.Header.Set(common.HeaderRequestID, requestID)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	var out ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_Score(t *testing.T) {
	_, ts, _ := newTestServer(t, ServerConfig{})

	t.Run("primary", func(t *testing.T) {
		resp := postScore(t, ts.URL, requestBody(2), "req-1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "req-1", resp.Header.Get(common.HeaderRequestID))
		assert.Equal(t, common.RolePrimary, resp.Header.Get(common.HeaderModelRole))
		assert.Equal(t, "1", resp.Header.Get(common.HeaderModelVer))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `["setosa", "setosa"]`, string(body))
	})

	t.Run("fallback", func(t *testing.T) {
		resp := postScore(t, ts.URL, requestBody(3), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get(common.HeaderRequestID))
		assert.Equal(t, common.RoleFallback, resp.Header.Get(common.HeaderModelRole))
		assert.Equal(t, "3", resp.Header.Get(common.HeaderModelVer))

		var out []string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, []string{"virginica", "virginica", "virginica"}, out)
	})
}

func TestServer_ScoreErrors(t *testing.T) {
	_, ts, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 1024})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantStage  Stage
		wantError  string
	}{
		{
			name:       "missing input_data",
			body:       `{"data": [[1, 2, 3, 4]]}`,
			wantStatus: http.StatusBadRequest,
			wantStage:  StageValidate,
			wantError:  common.ErrMsgMissingInputData,
		},
		{
			name:       "invalid json",
			body:       `{"input_data":`,
			wantStatus: http.StatusBadRequest,
			wantStage:  StageParse,
		},
		{
			name:       "ragged",
			body:       `{"input_data": {"data": [[1, 2, 3, 4], [1, 2]]}}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantStage:  StageShape,
		},
		{
			name:       "not a matrix",
			body:       `{"input_data": {"data": "abc"}}`,
			wantStatus: http.StatusBadRequest,
			wantStage:  StageShape,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postScore(t, ts.URL, []byte(tt.body), "req-err")
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			out := decodeError(t, resp)
			assert.Equal(t, string(tt.wantStage), out.Stage)
			assert.Equal(t, "req-err", out.RequestID)
			assert.NotEmpty(t, out.Error)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, out.Error)
			}
		})
	}

	t.Run("body too large", func(t *testing.T) {
		resp := postScore(t, ts.URL, requestBody(100), "")
		require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Equal(t, string(StageParse), decodeError(t, resp).Stage)
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/score")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
		assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))
	})
}

func TestServer_PredictFailure(t *testing.T) {
	primary, fallback := newMockPair(t)
	primary.EXPECT().Predict(gomock.Any(), gomock.Any()).Return(ml.Prediction{}, errors.New("session crashed"))

	svc, err := NewService(primary, fallback, DefaultOptions())
	require.NoError(t, err)
	ts := httptest.NewServer(NewServer(svc, ServerConfig{}).Handler())
	defer ts.Close()

	resp := postScore(t, ts.URL, requestBody(1), "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(StagePredict), decodeError(t, resp).Stage)
}

func TestServer_NotInitialized(t *testing.T) {
	ts := httptest.NewServer(NewServer(nil, ServerConfig{}).Handler())
	defer ts.Close()

	resp := postScore(t, ts.URL, requestBody(1), "req-early")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	out := decodeError(t, resp)
	assert.Equal(t, string(StagePredict), out.Stage)
	assert.Equal(t, "req-early", out.RequestID)
	assert.Equal(t, "scoring service not initialized", out.Error)

	ready, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, ready.StatusCode)
}

func TestServer_Ready(t *testing.T) {
	srv, ts, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Shutdown of a server that never listened only flips the drain flag.
	require.NoError(t, srv.Shutdown(context.Background()))

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_ModelInfo(t *testing.T) {
	_, ts, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/model/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		RowThreshold int `json:"row_threshold"`
		Models       map[string]struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, common.DefaultRowThreshold, out.RowThreshold)
	assert.Equal(t, "1", out.Models[common.RolePrimary].Version)
	assert.Equal(t, "3", out.Models[common.RoleFallback].Version)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	wrapper := metrics.NewWrapper(m)

	primary, fallback := newMockPair(t)
	primary.EXPECT().Predict(gomock.Any(), gomock.Any()).DoAndReturn(labelsFor(0)).AnyTimes()
	svc, err := NewService(primary, fallback, Options{RowThreshold: 2, Metrics: wrapper})
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(svc, ServerConfig{
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ErrorRate:      wrapper.ErrorRate,
	}).Handler())
	defer ts.Close()

	postScore(t, ts.URL, requestBody(1), "")
	postScore(t, ts.URL, []byte(`{}`), "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	require.NotNil(t, health.ErrorRate)
	assert.InDelta(t, 0.5, *health.ErrorRate, 1e-9)

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	body, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "score_requests_total"), "metrics exposition lists score requests")
}

func TestServer_NoMetricsRouteByDefault(t *testing.T) {
	_, ts, _ := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
