package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/framegen/backend/runner"
	"github.com/BaSui01/framegen/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func fakeRunner(t *testing.T, health runner.HealthResponse, loads *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(health)
	})
	mux.HandleFunc("/v1/models/load", func(w http.ResponseWriter, r *http.Request) {
		*loads++
		_ = json.NewEncoder(w).Encode(runner.LoadResponse{Device: "cuda", DType: "float16"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runnerBackend(url string) config.BackendConfig {
	cfg := config.DefaultBackendConfig()
	cfg.Kind = config.BackendRunner
	cfg.Runner.BaseURL = url
	cfg.Runner.MaxRetries = 0
	return cfg
}

func TestCheckEnvironment_Runner(t *testing.T) {
	loads := 0
	srv := fakeRunner(t, runner.HealthResponse{
		Status:        "ok",
		Device:        "cuda",
		CUDAAvailable: true,
		ModelsLoaded:  true,
		Models:        []string{"sdxl", "controlnet-depth"},
	}, &loads)

	var out bytes.Buffer
	err := checkEnvironment(context.Background(), &out, runnerBackend(srv.URL), true, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 1, loads)
	report := out.String()
	assert.Contains(t, report, "device:         cuda")
	assert.Contains(t, report, "cuda available: yes")
	assert.Contains(t, report, "dtype:          float16")
	assert.Contains(t, report, "sdxl, controlnet-depth")
}

func TestCheckEnvironment_NotLoadedAfterLoad(t *testing.T) {
	loads := 0
	srv := fakeRunner(t, runner.HealthResponse{Status: "ok", Device: "cpu"}, &loads)

	var out bytes.Buffer
	err := checkEnvironment(context.Background(), &out, runnerBackend(srv.URL), true, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, out.String(), "cuda available: no")
}

func TestCheckEnvironment_StatusOnly(t *testing.T) {
	loads := 0
	srv := fakeRunner(t, runner.HealthResponse{Status: "ok", Device: "cpu"}, &loads)

	var out bytes.Buffer
	err := checkEnvironment(context.Background(), &out, runnerBackend(srv.URL), false, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Zero(t, loads)
	assert.Contains(t, out.String(), "models loaded:  no")
}

func TestCheckEnvironment_Gemini(t *testing.T) {
	cfg := config.DefaultBackendConfig()
	cfg.Kind = config.BackendGemini

	var out bytes.Buffer
	err := checkEnvironment(context.Background(), &out, cfg, false, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, out.String(), "api key:        no")

	cfg.Gemini.APIKey = "key"
	out.Reset()
	require.NoError(t, checkEnvironment(context.Background(), &out, cfg, false, zaptest.NewLogger(t)))
}
