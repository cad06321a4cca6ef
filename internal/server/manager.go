package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 监听管理
// =============================================================================

// Config 单个监听的配置
type Config struct {
	// 名称，出现在日志与退出原因中（"api"、"metrics"）
	Name string
	// 监听地址，":0" 表示随机端口
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// 优雅关闭超时，需要容纳一次完整的帧生成
	ShutdownTimeout time.Duration
}

// Manager 管理一个 http.Server 的启动与优雅关闭
type Manager struct {
	srv    *http.Server
	cfg    Config
	errCh  chan error
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewManager 创建监听管理器，Start 之前不占用端口
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	return &Manager{
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		cfg:    cfg,
		errCh:  make(chan error, 1),
		logger: logger.With(zap.String("component", cfg.Name+"_server")),
	}
}

// Start 绑定端口并在后台开始服务。端口冲突等错误同步返回。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return fmt.Errorf("%s server is closed", m.cfg.Name)
	case m.listener != nil:
		return fmt.Errorf("%s server already started", m.cfg.Name)
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s on %s: %w", m.cfg.Name, m.cfg.Addr, err)
	}
	m.listener = ln
	m.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("serve failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()
	return nil
}

// ListenAddr 返回实际绑定的地址，未启动或已关闭时为空
func (m *Manager) ListenAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Shutdown 停止接受新连接，并在 ShutdownTimeout 内等待进行中的请求结束。
// 重复调用返回 nil。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("shutdown did not drain in time", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("stopped", zap.Duration("drain", time.Since(start)))
	return nil
}

// =============================================================================
// 🛑 等待退出
// =============================================================================

// Wait 阻塞到收到 SIGINT/SIGTERM、ctx 结束或任一监听异常退出。
// 前两种情况返回 nil，监听失败时返回带名称的错误。nil 的 Manager 被忽略。
func Wait(ctx context.Context, logger *zap.Logger, managers ...*Manager) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := make(chan error, len(managers))
	for _, m := range managers {
		if m == nil {
			continue
		}
		go func(m *Manager) {
			select {
			case err := <-m.errCh:
				failed <- fmt.Errorf("%s server: %w", m.cfg.Name, err)
			case <-ctx.Done():
			}
		}(m)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		return nil
	case err := <-failed:
		return err
	}
}
