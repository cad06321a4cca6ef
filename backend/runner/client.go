// Package runner 通过 HTTP JSON 调用承载 SDXL + ControlNet + IP-Adapter 的推理 Runner。
// Client 同时实现 model 包中的全部组件接口。
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/framegen/internal/circuitbreaker"
	"github.com/BaSui01/framegen/internal/retry"
	"github.com/BaSui01/framegen/types"
	"go.uber.org/zap"
)

// BackendName 指标与错误中使用的后端名称
const BackendName = "runner"

// maxErrorBody 读取错误响应体的上限
const maxErrorBody = 64 << 10

// Config Runner 客户端配置
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// 连续失败多少次后熔断，<=0 使用默认值
	BreakerThreshold int
	// 熔断后多久放行试探请求
	BreakerResetTimeout time.Duration
}

// Recorder 记录后端调用指标，*metrics.Collector 实现该接口
type Recorder interface {
	RecordBackendRequest(backend, operation, status string, duration time.Duration)
}

// Client Runner HTTP 客户端
type Client struct {
	cfg      Config
	http     *http.Client
	retryer  *retry.Retryer
	breaker  *circuitbreaker.Breaker
	recorder Recorder
	logger   *zap.Logger
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRecorder 设置指标记录器
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithRetryPolicy 覆盖默认重试策略
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retryer = retry.New(p, c.logger) }
}

// NewClient 创建 Runner 客户端
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "runner_client")),
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	c.retryer = retry.New(policy, c.logger)

	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		Threshold:        cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		HalfOpenMaxCalls: 1,
		IsFailure:        runnerFailure,
	}, c.logger)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name 实现 model.Pipeline
func (c *Client) Name() string { return BackendName }

// =============================================================================
// 🔌 HTTP 调用
// =============================================================================

// CircuitState 返回熔断器状态，供健康检查展示
func (c *Client) CircuitState() string { return c.breaker.State().String() }

// call 发送 JSON 请求并解码响应，5xx/429/传输错误按策略重试。
// 重试耗尽的失败计入熔断器，熔断打开时直接返回 SERVICE_UNAVAILABLE。
func (c *Client) call(ctx context.Context, method, path, op string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return types.NewError(types.ErrInternalError, "encode runner request").WithCause(err)
		}
	}

	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.retryer.Do(ctx, func(ctx context.Context) error {
			start := time.Now()
			status, err := c.once(ctx, method, path, payload, out)
			if c.recorder != nil {
				c.recorder.RecordBackendRequest(BackendName, op, status, time.Since(start))
			}
			return err
		})
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyCallsInHalfOpen) {
		if c.recorder != nil {
			c.recorder.RecordBackendRequest(BackendName, op, "circuit_open", 0)
		}
		return types.Errorf(types.ErrServiceUnavailable, "runner %s rejected: %v", path, err).
			WithCause(err).WithBackend(BackendName)
	}
	return err
}

// runnerFailure 只有 Runner 自身的故障计入熔断：5xx、429、连接失败与超时。
// 业务错误（无人脸、非法图像）与调用方取消不计入。
func runnerFailure(err error) bool {
	if types.GetErrorCode(err) == types.ErrUpstreamTimeout {
		return true
	}
	return types.IsRetryable(err)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (string, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return "error", types.NewError(types.ErrInternalError, "build runner request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if rid, ok := types.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "error", transportError(ctx, path, err)
	}
	defer resp.Body.Close()

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return status, statusError(path, resp.StatusCode, raw)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return status, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return status, types.Errorf(types.ErrUpstreamError, "decode runner response from %s", path).
			WithCause(err).WithBackend(BackendName)
	}
	return status, nil
}

// transportError 连接失败可重试；超时映射为 UPSTREAM_TIMEOUT
func transportError(ctx context.Context, path string, err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	if timeout {
		return types.Errorf(types.ErrUpstreamTimeout, "runner %s timed out", path).
			WithCause(err).WithBackend(BackendName).
			WithRetryable(ctx.Err() == nil)
	}
	if ctx.Err() != nil {
		return types.Errorf(types.ErrServiceUnavailable, "runner %s cancelled", path).
			WithCause(err).WithBackend(BackendName)
	}
	return types.Errorf(types.ErrUpstreamError, "runner %s unreachable", path).
		WithCause(err).WithBackend(BackendName).WithRetryable(true)
}

// statusError 按 Runner 错误码与 HTTP 状态映射错误，仅 5xx 与 429 可重试
func statusError(path string, status int, raw []byte) error {
	var er errorResponse
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &er) == nil && er.Error.Message != "" {
		msg = er.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch er.Error.Code {
	case codeNoFace:
		return types.NewError(types.ErrNoFaceDetected, msg).WithBackend(BackendName)
	case codeModelNotLoaded:
		return types.NewError(types.ErrModelNotLoaded, msg).WithBackend(BackendName).WithRetryable(true)
	case codeInvalidImage:
		return types.NewError(types.ErrInvalidImage, msg).WithBackend(BackendName)
	}

	code := types.ErrUpstreamError
	if status == http.StatusGatewayTimeout {
		code = types.ErrUpstreamTimeout
	}
	retryable := status >= 500 || status == http.StatusTooManyRequests
	return types.Errorf(code, "runner %s returned %d: %s", path, status, msg).
		WithBackend(BackendName).
		WithHTTPStatus(status).
		WithRetryable(retryable)
}

// =============================================================================
// 🏥 生命周期
// =============================================================================

// LoadModels 要求 Runner 加载模型，启动时调用一次
func (c *Client) LoadModels(ctx context.Context, req LoadRequest) (*LoadResponse, error) {
	var out LoadResponse
	if err := c.call(ctx, http.MethodPost, "/v1/models/load", "load", req, &out); err != nil {
		return nil, err
	}
	c.logger.Info("runner models loaded",
		zap.String("device", out.Device),
		zap.String("dtype", out.DType),
		zap.Strings("models", out.Loaded),
	)
	return &out, nil
}

// Status 查询 Runner 状态
func (c *Client) Status(ctx context.Context) (*HealthResponse, error) {
	var out HealthResponse
	if err := c.call(ctx, http.MethodGet, "/health", "health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health 实现 model.HealthChecker：Runner 在线且模型已加载
func (c *Client) Health(ctx context.Context) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if st.Status != "ok" {
		return fmt.Errorf("runner status %q", st.Status)
	}
	if !st.ModelsLoaded {
		return types.NewError(types.ErrModelNotLoaded, "runner has not loaded its models")
	}
	return nil
}
