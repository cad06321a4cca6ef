// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 生成指标
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	charactersPerFrame prometheus.Histogram
	inflight           prometheus.Gauge

	// 推理后端指标
	backendRequestsTotal   *prometheus.CounterVec
	backendRequestDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 归档指标
	archiveWrites *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 10),
		},
		[]string{"method", "path"},
	)

	// 生成指标
	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of frame generations by outcome",
		},
		[]string{"backend", "outcome"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end frame generation duration in seconds",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		},
		[]string{"backend"},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_stage_duration_seconds",
			Help:      "Duration of each generation stage in seconds",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)

	c.charactersPerFrame = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "characters_per_frame",
			Help:      "Number of character references per generation request",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		},
	)

	c.inflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_inflight",
			Help:      "Number of generations currently holding a pipeline slot",
		},
	)

	// 推理后端指标
	c.backendRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Total number of inference backend calls",
		},
		[]string{"backend", "operation", "status"},
	)

	c.backendRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Inference backend call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"backend", "operation"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of embedding cache hits",
		},
		[]string{"kind"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of embedding cache misses",
		},
		[]string{"kind"},
	)

	// 归档指标
	c.archiveWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_writes_total",
			Help:      "Total number of result archive writes",
		},
		[]string{"store", "status"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🖼️ 生成指标记录
// =============================================================================

// RecordGeneration 记录一次完整生成，outcome 为 ok 或错误码
func (c *Collector) RecordGeneration(backend, outcome string, duration time.Duration) {
	c.generationsTotal.WithLabelValues(backend, outcome).Inc()
	c.generationDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordStage 记录单个阶段耗时：decode, assemble, queue, pipeline, encode, archive
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordCharacters 记录请求中的角色数量
func (c *Collector) RecordCharacters(n int) {
	c.charactersPerFrame.Observe(float64(n))
}

// IncInflight 占用生成槽位
func (c *Collector) IncInflight() { c.inflight.Inc() }

// DecInflight 释放生成槽位
func (c *Collector) DecInflight() { c.inflight.Dec() }

// =============================================================================
// 🔌 推理后端指标记录
// =============================================================================

// RecordBackendRequest 记录推理后端调用
func (c *Collector) RecordBackendRequest(backend, operation, status string, duration time.Duration) {
	c.backendRequestsTotal.WithLabelValues(backend, operation, status).Inc()
	c.backendRequestDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存与归档指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(kind string) {
	c.cacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(kind string) {
	c.cacheMisses.WithLabelValues(kind).Inc()
}

// RecordArchiveWrite 记录归档写入
func (c *Collector) RecordArchiveWrite(store string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.archiveWrites.WithLabelValues(store, status).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
