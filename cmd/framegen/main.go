// =============================================================================
// framegen 主入口
// =============================================================================
// 完整服务入口点，包含帧生成 HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	framegen serve                       # 启动服务
//	framegen serve --config config.yaml  # 指定配置文件
//	framegen check --config config.yaml  # 检查推理 Runner 环境
//	framegen version                     # 显示版本信息
//	framegen health                      # 健康检查
//
// =============================================================================
// @title framegen API
// @version 1.0.0
// @description framegen synthesizes the next frame of a picture book from the previous frame,
// @description character reference images and a prompt.
// @description
// @description ## Features
// @description - SDXL + ControlNet depth + IP-Adapter style/FaceID through an inference runner
// @description - Gemini native image generation as an alternative backend
// @description - Health monitoring and metrics
// @contact.name framegen Team
// @contact.url https://github.com/BaSui01/framegen
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8000
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
// @description API key for authentication
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/framegen/api/handlers"
	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting framegen",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("backend", cfg.Backend.Kind),
	)

	otelProviders, err := telemetry.Init(context.Background(), cfg.Telemetry,
		telemetry.ServiceInfo{Version: Version, Backend: cfg.Backend.Kind}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server := NewServer(cfg, logger, otelProviders)

	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// 等待关闭信号
	server.WaitForShutdown()

	logger.Info("framegen stopped")
}

// loadConfig 加载并验证配置
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8000", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	st, err := fetchHealth(client, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(formatHealth(st))
	if !st.Model.Loaded {
		os.Exit(2)
	}
}

// fetchHealth 读取 /health 响应
func fetchHealth(client *http.Client, addr string) (*handlers.HealthStatus, error) {
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var st handlers.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &st, nil
}

// formatHealth 单行摘要，例如 "ok backend=runner device=cuda circuit=closed uptime=1m0s"
func formatHealth(st *handlers.HealthStatus) string {
	parts := []string{st.Status}
	if st.Model.Loaded {
		parts = append(parts, "backend="+st.Model.Backend)
		if st.Model.Device != "" {
			parts = append(parts, "device="+st.Model.Device)
		}
		if st.Model.Circuit != "" {
			parts = append(parts, "circuit="+st.Model.Circuit)
		}
	}
	if st.Cache != nil {
		parts = append(parts, fmt.Sprintf("cache_hit_rate=%.2f", st.Cache.HitRate))
	}
	parts = append(parts, "uptime="+st.Uptime)
	return strings.Join(parts, " ")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("framegen %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`framegen - picture book frame synthesis service

Usage:
  framegen <command> [options]

Commands:
  serve     Start the framegen server
  check     Check the inference runner environment
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve' and 'check':
  --config <path>   Path to configuration file (YAML)

Options for 'check':
  --load            Ask the runner to load the configured models

Examples:
  framegen serve
  framegen serve --config /etc/framegen/config.yaml
  framegen check --config config.yaml --load
  framegen health --addr http://localhost:8000
  framegen version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		DisableCaller:    !cfg.EnableCaller,
	}

	var opts []zap.Option
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
