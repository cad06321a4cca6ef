package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BaSui01/framegen/backend"
	"github.com/BaSui01/framegen/backend/runner"
	"github.com/BaSui01/framegen/config"
	"go.uber.org/zap"
)

// =============================================================================
// 🔍 check 命令
// =============================================================================
// 检查推理 Runner 的运行环境：设备、CUDA、模型加载情况。
// 带 --load 时要求 Runner 按配置加载全部模型，用于部署前验证权重可用。

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	load := fs.Bool("load", false, "Ask the runner to load the configured models")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall check timeout")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := checkEnvironment(ctx, os.Stdout, cfg.Backend, *load, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
		os.Exit(1)
	}
}

// checkEnvironment 输出后端环境报告，Runner 不可达或模型加载失败时返回错误
func checkEnvironment(ctx context.Context, out io.Writer, cfg config.BackendConfig, load bool, logger *zap.Logger) error {
	if cfg.Kind == config.BackendGemini {
		fmt.Fprintf(out, "backend:        gemini\n")
		fmt.Fprintf(out, "model:          %s\n", cfg.Gemini.Model)
		fmt.Fprintf(out, "api key:        %s\n", yesNo(cfg.Gemini.APIKey != ""))
		if cfg.Gemini.APIKey == "" {
			return fmt.Errorf("gemini api key not configured")
		}
		return nil
	}

	client, err := backend.NewRunnerClient(cfg.Runner, logger, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "backend:        runner (%s)\n", cfg.Runner.BaseURL)

	if load {
		start := time.Now()
		resp, err := client.LoadModels(ctx, backend.LoadRequestFromConfig(cfg.Runner))
		if err != nil {
			return fmt.Errorf("load models: %w", err)
		}
		fmt.Fprintf(out, "loaded in:      %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "dtype:          %s\n", resp.DType)
	}

	status, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("runner status: %w", err)
	}
	writeStatus(out, status)

	if load && !status.ModelsLoaded {
		return fmt.Errorf("runner reports models not loaded after load request")
	}
	return nil
}

func writeStatus(out io.Writer, status *runner.HealthResponse) {
	fmt.Fprintf(out, "status:         %s\n", status.Status)
	fmt.Fprintf(out, "device:         %s\n", status.Device)
	fmt.Fprintf(out, "cuda available: %s\n", yesNo(status.CUDAAvailable))
	fmt.Fprintf(out, "models loaded:  %s\n", yesNo(status.ModelsLoaded))
	if len(status.Models) > 0 {
		fmt.Fprintf(out, "models:         %s\n", strings.Join(status.Models, ", "))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
