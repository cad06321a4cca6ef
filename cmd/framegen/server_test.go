package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/framegen/api"
	"github.com/BaSui01/framegen/api/handlers"
	"github.com/BaSui01/framegen/backend"
	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/imaging"
	"github.com/BaSui01/framegen/internal/metrics"
	"github.com/BaSui01/framegen/internal/retry"
	"github.com/BaSui01/framegen/model"
	"github.com/BaSui01/framegen/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type stubPipeline struct{}

func (stubPipeline) Name() string { return "stub" }

func (stubPipeline) Generate(_ context.Context, call *model.Call) (*model.Result, error) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	return &model.Result{Image: img, Seed: call.Seed}, nil
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Archive.Kind = config.ArchiveNone
	cfg.Server.APIKeys = []string{"secret"}

	s := NewServer(cfg, zaptest.NewLogger(t), nil)
	s.registry = prometheus.NewRegistry()
	s.metricsCollector = metrics.NewCollector("framegen_test", s.registry, s.logger)
	require.NoError(t, s.initHandlers())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return s, s.routes(ctx)
}

func frame(t *testing.T) string {
	t.Helper()
	s, err := imaging.EncodePNGBase64(image.NewNRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	return s
}

func generateBody(t *testing.T) string {
	t.Helper()
	seed := int64(7)
	raw, err := json.Marshal(api.GenerateRequest{
		PrevFrame:  frame(t),
		Characters: []string{frame(t)},
		Prompt:     "a fox reading under a tree",
		Seed:       &seed,
	})
	require.NoError(t, err)
	return string(raw)
}

func postGenerate(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(generateBody(t)))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServer_ModelNotLoaded(t *testing.T) {
	_, h := newTestServer(t)

	w := postGenerate(t, h, "/generate")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp handlers.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrModelNotLoaded), resp.Error.Code)
	assert.Equal(t, "model not loaded", resp.Error.Message)
	assert.NotEmpty(t, resp.RequestID)

	// 就绪检查反映模型未加载，存活检查不受影响
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_GenerateAfterLoad(t *testing.T) {
	s, h := newTestServer(t)
	require.NoError(t, s.holder.Set(&model.Registry{Pipeline: stubPipeline{}}))

	for _, path := range []string{"/generate", "/api/v1/generate"} {
		t.Run(path, func(t *testing.T) {
			w := postGenerate(t, h, path)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp api.GenerateResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, int64(7), resp.Seed)

			img, err := imaging.DecodeBase64(resp.Img)
			require.NoError(t, err)
			assert.Equal(t, 4, img.Bounds().Dx())
		})
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RequiresAPIKey(t *testing.T) {
	_, h := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(generateBody(t)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 健康检查不需要 API Key
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	_, h := newTestServer(t)

	r := httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// 🔁 模型加载重试
// =============================================================================

func fastLoadPolicy(t *testing.T) retry.Policy {
	policy := modelLoadPolicy(zaptest.NewLogger(t))
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = time.Millisecond
	policy.Jitter = false
	return policy
}

func TestLoadRegistryUntilReady_KeepsRetrying(t *testing.T) {
	calls := 0
	want := &model.Registry{Pipeline: stubPipeline{}}

	reg, err := loadRegistryUntilReady(context.Background(), fastLoadPolicy(t), zaptest.NewLogger(t),
		func(context.Context) (*model.Registry, error) {
			calls++
			if calls <= 15 {
				return nil, errors.New("dial tcp 127.0.0.1:7860: connect: connection refused")
			}
			return want, nil
		})

	require.NoError(t, err)
	assert.Same(t, want, reg)
	assert.Equal(t, 16, calls, "runner outages longer than ten attempts must still recover")
}

func TestLoadRegistryUntilReady_ConfigErrorStops(t *testing.T) {
	calls := 0
	_, err := loadRegistryUntilReady(context.Background(), fastLoadPolicy(t), zaptest.NewLogger(t),
		func(context.Context) (*model.Registry, error) {
			calls++
			return nil, fmt.Errorf("%w: gemini api_key is required", backend.ErrInvalidConfig)
		})

	assert.ErrorIs(t, err, backend.ErrInvalidConfig)
	assert.Equal(t, 1, calls)
}

func TestLoadRegistryUntilReady_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := loadRegistryUntilReady(ctx, fastLoadPolicy(t), zaptest.NewLogger(t),
		func(context.Context) (*model.Registry, error) {
			return nil, errors.New("runner unavailable")
		})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestServer_StartModelLoadGivesUpOnConfigError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.Kind = config.BackendGemini
	cfg.Backend.Gemini.APIKey = ""

	core, logs := observer.New(zap.ErrorLevel)
	s := NewServer(cfg, zap.New(core), nil)
	s.startModelLoad()
	t.Cleanup(s.loadCancel)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("model load kept retrying a configuration error")
	}

	assert.False(t, s.holder.Loaded())
	require.Equal(t, 1, logs.FilterMessage("model registry not loaded, /generate will return MODEL_NOT_LOADED").Len())
}

// =============================================================================
// 🏥 /health 与 health 子命令
// =============================================================================

func TestServer_HealthReportsRegistry(t *testing.T) {
	s, h := newTestServer(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	st, err := fetchHealth(srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, handlers.StatusLoading, st.Status)
	assert.False(t, st.Model.Loaded)

	require.NoError(t, s.holder.Set(&model.Registry{
		Pipeline: stubPipeline{},
		Info:     model.Info{Backend: "runner", Device: "cuda", Models: []string{"sdxl"}},
	}))

	st, err = fetchHealth(srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, handlers.StatusOK, st.Status)
	assert.True(t, st.Model.Loaded)
	assert.Equal(t, "runner", st.Model.Backend)
	assert.Equal(t, "cuda", st.Model.Device)
	assert.Equal(t, []string{"sdxl"}, st.Model.Models)
}

func TestFetchHealth_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fetchHealth(srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestFormatHealth(t *testing.T) {
	st := &handlers.HealthStatus{
		Status: handlers.StatusOK,
		Uptime: "1m0s",
		Model:  handlers.ModelStatus{Loaded: true, Backend: "runner", Device: "cuda", Circuit: "closed"},
		Cache:  &handlers.CacheStatus{Hits: 3, Misses: 1, HitRate: 0.75},
	}
	assert.Equal(t, "ok backend=runner device=cuda circuit=closed cache_hit_rate=0.75 uptime=1m0s", formatHealth(st))

	assert.Equal(t, "loading uptime=2s", formatHealth(&handlers.HealthStatus{Status: handlers.StatusLoading, Uptime: "2s"}))
}
