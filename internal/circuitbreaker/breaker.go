// Package circuitbreaker 为推理后端调用提供熔断保护：连续失败达到阈值后
// 在恢复窗口内直接拒绝调用，窗口结束后放行少量试探请求。
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

// String 返回健康检查与日志中使用的状态名
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// 错误定义
var (
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrTooManyCallsInHalfOpen = errors.New("too many calls while circuit breaker is half-open")
)

// Config 熔断器配置
type Config struct {
	// Threshold 连续失败次数阈值（触发熔断）
	Threshold int

	// ResetTimeout 熔断恢复等待时间（从 Open -> HalfOpen）
	ResetTimeout time.Duration

	// HalfOpenMaxCalls 半开状态下允许的最大请求数
	HalfOpenMaxCalls int

	// IsFailure 判定错误是否计入失败，为空时任何错误都计入
	IsFailure func(error) bool

	// OnStateChange 状态变更回调，在锁外同步调用
	OnStateChange func(from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Breaker 熔断器，可并发使用
type Breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      int       // 连续失败次数
	openedAt      time.Time // 最近一次打开的时间
	halfOpenCalls int       // 半开状态下已放行的调用
}

// New 创建熔断器，非法参数回落到默认值
func New(cfg Config, logger *zap.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call 在熔断器保护下执行 fn
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do 在熔断器保护下执行带返回值的 fn。
// 熔断打开时不调用 fn，直接返回 ErrCircuitOpen。
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.beforeCall(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	b.afterCall(ctx, err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset 手动恢复到关闭状态
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCalls = 0
	b.mu.Unlock()

	b.logger.Info("circuit breaker reset", zap.String("from_state", from.String()))
	b.notify(from, StateClosed)
}

// beforeCall 调用前检查
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 1
		b.mu.Unlock()
		b.logger.Info("circuit breaker half-open")
		b.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		defer b.mu.Unlock()
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyCallsInHalfOpen
		}
		b.halfOpenCalls++
		return nil

	default:
		b.mu.Unlock()
		return nil
	}
}

// afterCall 调用后处理。调用方自己取消的请求不计入成败。
func (b *Breaker) afterCall(ctx context.Context, err error) {
	failed := err != nil && b.cfg.IsFailure(err)
	neutral := err != nil && !failed && ctx.Err() != nil

	b.mu.Lock()
	from := b.state
	to := from

	switch {
	case neutral:
		if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
			b.halfOpenCalls--
		}

	case failed:
		b.failures++
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.Threshold {
				to = StateOpen
			}
		case StateHalfOpen:
			to = StateOpen
		}
		if to == StateOpen {
			b.openedAt = b.now()
			b.halfOpenCalls = 0
		}

	default:
		b.failures = 0
		if b.state == StateHalfOpen {
			to = StateClosed
			b.halfOpenCalls = 0
		}
	}
	b.state = to
	failures := b.failures
	b.mu.Unlock()

	if to == from {
		return
	}
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened",
			zap.Int("failure_count", failures),
			zap.Int("threshold", b.cfg.Threshold),
			zap.Duration("reset_timeout", b.cfg.ResetTimeout),
			zap.Error(err),
		)
	} else {
		b.logger.Info("circuit breaker closed")
	}
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(from, to)
	}
}
