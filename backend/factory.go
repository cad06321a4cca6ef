// Package backend 根据配置构造推理后端，并在启动时加载一次模型注册表。
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/framegen/backend/gemini"
	"github.com/BaSui01/framegen/backend/runner"
	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/internal/tlsutil"
	"github.com/BaSui01/framegen/model"
	"go.uber.org/zap"
)

// 传给 Runner 的加载参数
const (
	FaceModel = "buffalo_l"
	DTypeAuto = "auto"
)

// ErrInvalidConfig 后端配置错误，重试无法恢复
var ErrInvalidConfig = errors.New("invalid backend config")

// Recorder 后端调用指标，*metrics.Collector 实现该接口
type Recorder interface {
	RecordBackendRequest(backend, operation, status string, duration time.Duration)
}

// LoadRegistry 构造配置指定的后端并返回只读的模型注册表。
// runner 后端在 LoadOnStart 时要求 Runner 加载全部模型，失败即返回错误。
func LoadRegistry(ctx context.Context, cfg config.BackendConfig, logger *zap.Logger, recorder Recorder) (*model.Registry, error) {
	switch cfg.Kind {
	case config.BackendRunner, "":
		return loadRunner(ctx, cfg.Runner, logger, recorder)
	case config.BackendGemini:
		return loadGemini(ctx, cfg.Gemini, logger, recorder)
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", ErrInvalidConfig, cfg.Kind)
	}
}

// NewRunnerClient 由配置创建 Runner 客户端，CAFile 配置错误时返回错误
func NewRunnerClient(cfg config.RunnerConfig, logger *zap.Logger, recorder Recorder) (*runner.Client, error) {
	hc, err := tlsutil.SecureHTTPClient(cfg.Timeout, cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("%w: runner TLS: %w", ErrInvalidConfig, err)
	}
	opts := []runner.Option{runner.WithHTTPClient(hc)}
	if recorder != nil {
		opts = append(opts, runner.WithRecorder(recorder))
	}
	return runner.NewClient(runner.Config{
		BaseURL:             cfg.BaseURL,
		APIKey:              cfg.APIKey,
		Timeout:             cfg.Timeout,
		MaxRetries:          cfg.MaxRetries,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
	}, logger, opts...), nil
}

func loadRunner(ctx context.Context, cfg config.RunnerConfig, logger *zap.Logger, recorder Recorder) (*model.Registry, error) {
	client, err := NewRunnerClient(cfg, logger, recorder)
	if err != nil {
		return nil, err
	}
	reg := &model.Registry{
		Pipeline: client,
		Depth:    client,
		Faces:    client,
		Encoder:  client,
		Info: model.Info{
			Backend: runner.BackendName,
			Models:  []string{cfg.BaseModel, cfg.ControlNet, cfg.DepthModel, FaceModel},
		},
	}
	if !cfg.LoadOnStart {
		logger.Info("skipping runner model load", zap.String("base_url", cfg.BaseURL))
		return reg, nil
	}

	start := time.Now()
	resp, err := client.LoadModels(ctx, LoadRequestFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("load runner models: %w", err)
	}
	reg.Info.Device = resp.Device
	reg.Info.DType = resp.DType
	if len(resp.Loaded) > 0 {
		reg.Info.Models = resp.Loaded
	}
	logger.Info("model registry loaded",
		zap.String("backend", runner.BackendName),
		zap.String("device", resp.Device),
		zap.Duration("elapsed", time.Since(start)),
	)
	return reg, nil
}

// LoadRequestFromConfig 将配置转换为 Runner 的加载请求
func LoadRequestFromConfig(cfg config.RunnerConfig) runner.LoadRequest {
	adapters := make([]runner.IPAdapterSpec, len(cfg.IPAdapters))
	for i, a := range cfg.IPAdapters {
		adapters[i] = runner.IPAdapterSpec{
			Name:       a.Name,
			Repo:       a.Repo,
			Subfolder:  a.Subfolder,
			WeightName: a.WeightFile,
		}
	}
	return runner.LoadRequest{
		BaseModel:  cfg.BaseModel,
		ControlNet: cfg.ControlNet,
		DepthModel: cfg.DepthModel,
		FaceModel:  FaceModel,
		IPAdapters: adapters,
		DType:      DTypeAuto,
	}
}

func loadGemini(ctx context.Context, cfg config.GeminiConfig, logger *zap.Logger, recorder Recorder) (*model.Registry, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini api_key is required", ErrInvalidConfig)
	}
	var opts []gemini.Option
	if recorder != nil {
		opts = append(opts, gemini.WithRecorder(recorder))
	}
	p, err := gemini.New(ctx, gemini.Config{
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger.Info("model registry loaded", zap.String("backend", gemini.BackendName), zap.String("model", cfg.Model))
	return &model.Registry{
		Pipeline: p,
		Info:     model.Info{Backend: gemini.BackendName, Models: []string{cfg.Model}},
	}, nil
}
