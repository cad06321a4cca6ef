package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/framegen/api/handlers"
	"github.com/BaSui01/framegen/archive"
	"github.com/BaSui01/framegen/assembler"
	"github.com/BaSui01/framegen/backend"
	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/generation"
	"github.com/BaSui01/framegen/internal/cache"
	"github.com/BaSui01/framegen/internal/metrics"
	"github.com/BaSui01/framegen/internal/retry"
	"github.com/BaSui01/framegen/internal/server"
	"github.com/BaSui01/framegen/internal/telemetry"
	"github.com/BaSui01/framegen/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// 不需要 API Key 的路径
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 framegen 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler   *handlers.HealthHandler
	generateHandler *handlers.GenerateHandler

	// 指标收集器
	registry         *prometheus.Registry
	metricsCollector *metrics.Collector

	// 模型注册表，后台加载完成前为空
	holder *model.Holder

	embedCache    *cache.Manager
	otelProviders *telemetry.Providers

	// Rate limiter 与模型加载的生命周期管理
	rateLimiterCancel context.CancelFunc
	loadCancel        context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		holder:        &model.Holder{},
		otelProviders: otelProviders,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("framegen", s.registry, s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 后台加载模型注册表，加载完成前请求返回 MODEL_NOT_LOADED
	s.startModelLoad()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("backend", s.cfg.Backend.Kind),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers 及其依赖的生成服务
func (s *Server) initHandlers() error {
	var healthOpts []handlers.HealthOption
	asmOpts := []assembler.Option{assembler.WithRecorder(s.metricsCollector)}
	if s.cfg.Cache.Enabled {
		embedCache, err := cache.NewManager(cacheConfig(s.cfg.Cache), s.logger)
		if err != nil {
			// 缓存不可用时直接调用 Runner
			s.logger.Warn("Embedding cache not available, continuing without it", zap.Error(err))
		} else {
			s.embedCache = embedCache
			asmOpts = append(asmOpts, assembler.WithCache(embedCache))
			healthOpts = append(healthOpts, handlers.WithCacheStats(embedCache))
		}
	}

	s.healthHandler = handlers.NewHealthHandler(s.holder, s.logger, healthOpts...)
	if s.embedCache != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("embed_cache", s.embedCache.Ping))
	}

	store, err := archive.New(context.Background(), s.cfg.Archive)
	if err != nil {
		return fmt.Errorf("init archive: %w", err)
	}

	asm := assembler.New(assembler.Config{
		StyleScale:   s.cfg.Pipeline.StyleScale,
		FaceScale:    s.cfg.Pipeline.FaceScale,
		PromptSuffix: s.cfg.Pipeline.PromptSuffix,
		CacheTTL:     s.cfg.Cache.TTL,
	}, s.logger, asmOpts...)

	svc := generation.NewService(generationConfig(s.cfg.Pipeline), s.holder, asm, s.logger,
		generation.WithArchive(store),
		generation.WithRecorder(s.metricsCollector),
	)
	s.generateHandler = handlers.NewGenerateHandler(svc, s.cfg.Server.MaxBodyBytes, s.logger)

	s.logger.Info("Handlers initialized",
		zap.String("archive", store.Kind()),
		zap.Bool("embed_cache", s.embedCache != nil),
	)
	return nil
}

func cacheConfig(cfg config.CacheConfig) cache.Config {
	c := cache.DefaultConfig()
	c.Addr = cfg.Addr
	c.Password = cfg.Password
	c.DB = cfg.DB
	if cfg.PoolSize > 0 {
		c.PoolSize = cfg.PoolSize
	}
	if cfg.TTL > 0 {
		c.DefaultTTL = cfg.TTL
	}
	if cfg.Prefix != "" {
		c.Prefix = cfg.Prefix
	}
	return c
}

func generationConfig(cfg config.PipelineConfig) generation.Config {
	return generation.Config{
		MaxCharacters:   cfg.MaxCharacters,
		Steps:           cfg.NumInferenceSteps,
		GuidanceScale:   cfg.GuidanceScale,
		ControlNetScale: cfg.ControlNetScale,
		NegativePrompt:  cfg.NegativePrompt,
		Timeout:         cfg.Timeout,
		MaxConcurrent:   cfg.MaxConcurrent,
		MaxImagePixels:  cfg.MaxImagePixels,
	}
}

// startModelLoad 在后台加载模型注册表。Runner 可能比本服务启动得晚，
// 加载失败会按指数退避一直重试，直到成功、服务关闭或遇到配置错误。
func (s *Server) startModelLoad() {
	ctx, cancel := context.WithCancel(context.Background())
	s.loadCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reg, err := loadRegistryUntilReady(ctx, modelLoadPolicy(s.logger), s.logger, func(ctx context.Context) (*model.Registry, error) {
			return backend.LoadRegistry(ctx, s.cfg.Backend, s.logger, s.metricsCollector)
		})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("model registry not loaded, /generate will return MODEL_NOT_LOADED", zap.Error(err))
			}
			return
		}
		if err := s.holder.Set(reg); err != nil {
			s.logger.Error("model registry already set", zap.Error(err))
			return
		}
		s.logger.Info("model registry ready",
			zap.String("backend", reg.Info.Backend),
			zap.String("device", reg.Info.Device),
			zap.Strings("models", reg.Info.Models),
		)
	}()
}

// modelLoadPolicy 模型加载的退避策略：不限次数，配置错误与取消不重试
func modelLoadPolicy(logger *zap.Logger) retry.Policy {
	return retry.Policy{
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       true,
		Forever:      true,
		Retryable: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, backend.ErrInvalidConfig)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("model registry load failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}
}

// loadRegistryUntilReady 按策略反复调用 load，直到返回注册表或 ctx 结束
func loadRegistryUntilReady(ctx context.Context, policy retry.Policy, logger *zap.Logger, load func(ctx context.Context) (*model.Registry, error)) (*model.Registry, error) {
	return retry.Do(ctx, retry.New(policy, logger), load)
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册路由并构建中间件链
func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", methodGuard(http.MethodGet, s.healthHandler.HandleHealth))
	mux.HandleFunc("/healthz", methodGuard(http.MethodGet, s.healthHandler.HandleHealth))
	mux.HandleFunc("/ready", methodGuard(http.MethodGet, s.healthHandler.HandleReady))
	mux.HandleFunc("/readyz", methodGuard(http.MethodGet, s.healthHandler.HandleReady))

	// 版本信息端点
	mux.HandleFunc("/version", methodGuard(http.MethodGet, s.healthHandler.HandleVersion(Version, BuildTime, GitCommit)))

	// 帧生成 API，/generate 与原服务路径保持一致
	mux.HandleFunc("/generate", s.generateHandler.HandleGenerate)
	mux.HandleFunc("/api/v1/generate", s.generateHandler.HandleGenerate)

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	serverConfig := server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(s.routes(rateLimiterCtx), serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	serverConfig := server.Config{
		Name:            "metrics",
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号或任一监听异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() {
	if err := server.Wait(context.Background(), s.logger, s.httpManager, s.metricsManager); err != nil {
		s.logger.Error("server exited unexpectedly", zap.Error(err))
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理与模型加载 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.loadCancel != nil {
		s.loadCancel()
	}

	// 1. 关闭 HTTP 服务器，等待进行中的生成完成
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 等待所有 goroutine 完成
	s.wg.Wait()

	// 4. 关闭嵌入缓存
	if s.embedCache != nil {
		if err := s.embedCache.Close(); err != nil {
			s.logger.Error("Embedding cache close error", zap.Error(err))
		}
	}

	// 5. 刷新遥测数据
	if s.otelProviders != nil {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(tctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
