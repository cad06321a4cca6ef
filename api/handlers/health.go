package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/framegen/internal/cache"
	"github.com/BaSui01/framegen/model"
	"go.uber.org/zap"
)

// 健康状态取值
const (
	StatusOK        = "ok"
	StatusLoading   = "loading"
	StatusUnhealthy = "unhealthy"
)

// readyTimeout 就绪检查整体超时
const readyTimeout = 5 * time.Second

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthHandler 报告模型注册表、熔断器与嵌入缓存的状态。
// /health 与 /healthz 只读内存状态；/ready 额外执行后端自检与依赖检查。
type HealthHandler struct {
	holder  *model.Holder
	cache   CacheStats
	started time.Time
	logger  *zap.Logger

	mu     sync.RWMutex
	checks []HealthCheck
}

// HealthCheck 就绪检查中的外部依赖
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CacheStats 嵌入缓存命中统计，*cache.Manager 实现该接口
type CacheStats interface {
	Stats() cache.Stats
}

// circuitReporter 由带熔断器的后端实现
type circuitReporter interface {
	CircuitState() string
}

// HealthOption 健康检查选项
type HealthOption func(*HealthHandler)

// WithCacheStats 在健康响应中附带缓存命中统计
func WithCacheStats(c CacheStats) HealthOption {
	return func(h *HealthHandler) { h.cache = c }
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Model     ModelStatus            `json:"model"`
	Cache     *CacheStatus           `json:"cache,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ModelStatus 模型注册表状态
type ModelStatus struct {
	Loaded  bool     `json:"loaded"`
	Backend string   `json:"backend,omitempty"`
	Device  string   `json:"device,omitempty"`
	DType   string   `json:"dtype,omitempty"`
	Models  []string `json:"models,omitempty"`
	Circuit string   `json:"circuit,omitempty"`
}

// CacheStatus 嵌入缓存命中统计
type CacheStatus struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// VersionInfo /version 响应
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(holder *model.Holder, logger *zap.Logger, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		holder:  holder,
		started: time.Now(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterCheck 注册就绪检查依赖
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// snapshot 汇总内存中的状态，不访问任何外部依赖
func (h *HealthHandler) snapshot() HealthStatus {
	st := HealthStatus{
		Status:    StatusLoading,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}

	if reg, ok := h.holder.Get(); ok {
		st.Status = StatusOK
		st.Model = ModelStatus{
			Loaded:  true,
			Backend: reg.Info.Backend,
			Device:  reg.Info.Device,
			DType:   reg.Info.DType,
			Models:  reg.Info.Models,
		}
		if cr, ok := reg.Pipeline.(circuitReporter); ok {
			st.Model.Circuit = cr.CircuitState()
		}
	}

	if h.cache != nil {
		s := h.cache.Stats()
		cs := &CacheStatus{Hits: s.Hits, Misses: s.Misses}
		if total := s.Hits + s.Misses; total > 0 {
			cs.HitRate = float64(s.Hits) / float64(total)
		}
		st.Cache = cs
	}
	return st
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleHealth 处理 /health 与 /healthz（存活检查）。
// 进程在运行即返回 200，模型尚未加载时 status 为 "loading"。
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.snapshot())
}

// HandleReady 处理 /ready 与 /readyz（就绪检查）。
// 模型注册表已加载、后端自检通过且全部依赖可用时返回 200，否则 503。
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	st := h.snapshot()
	st.Checks = make(map[string]CheckResult)

	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks)+1)
	checks = append(checks, modelCheck{holder: h.holder})
	checks = append(checks, h.checks...)
	h.mu.RUnlock()

	ready := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			ready = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		st.Checks[check.Name()] = result
	}

	if !ready {
		st.Status = StatusUnhealthy
		WriteJSON(w, http.StatusServiceUnavailable, st)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := VersionInfo{Version: version, BuildTime: buildTime, GitCommit: gitCommit}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 内置检查
// =============================================================================

// modelCheck 模型注册表已加载，且后端（若支持）自检通过
type modelCheck struct {
	holder *model.Holder
}

func (c modelCheck) Name() string { return "model" }

func (c modelCheck) Check(ctx context.Context) error {
	reg, ok := c.holder.Get()
	if !ok {
		return fmt.Errorf("model not loaded")
	}
	if hc, ok := reg.Pipeline.(model.HealthChecker); ok {
		if err := hc.Health(ctx); err != nil {
			return fmt.Errorf("%s backend: %w", reg.Pipeline.Name(), err)
		}
	}
	return nil
}

// PingCheck 以 ping 函数检查依赖，例如嵌入缓存的 Redis
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck 创建 ping 检查
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

// Name 实现 HealthCheck
func (c *PingCheck) Name() string { return c.name }

// Check 实现 HealthCheck
func (c *PingCheck) Check(ctx context.Context) error { return c.ping(ctx) }
