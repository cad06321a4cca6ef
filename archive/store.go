// Package archive 保存每次成功生成的帧，供事后检查。
// 归档是尽力而为的：写入失败由调用方记录日志，不影响响应。
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// timeLayout 归档文件名中的时间部分，本地时间，精确到秒
const timeLayout = "20060102_150405"

// Store 生成结果存储
type Store interface {
	// Kind 存储类型，用于日志与指标
	Kind() string
	// Save 保存 PNG 数据，返回可定位的存储位置
	Save(ctx context.Context, name string, png []byte) (string, error)
}

// Name 生成归档文件名 <YYYYmmdd_HHMMSS>_<请求 ID 前 8 位>.png，
// 请求 ID 用于区分同一秒内完成的多次生成
func Name(ts time.Time, requestID string) string {
	id := strings.ReplaceAll(requestID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return ts.Format(timeLayout) + ".png"
	}
	return ts.Format(timeLayout) + "_" + id + ".png"
}

// New 按配置创建存储
func New(ctx context.Context, cfg config.ArchiveConfig) (Store, error) {
	switch cfg.Kind {
	case config.ArchiveNone:
		return NopStore{}, nil
	case config.ArchiveFS, "":
		return NewFSStore(cfg.Dir), nil
	case config.ArchiveMinIO:
		return NewMinIOStore(ctx, cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
	}
}

// =============================================================================
// 📁 本地目录
// =============================================================================

// FSStore 写入本地目录，目录不存在时创建
type FSStore struct {
	dir string
}

// NewFSStore 创建本地目录存储
func NewFSStore(dir string) *FSStore {
	if dir == "" {
		dir = "result"
	}
	return &FSStore{dir: dir}
}

// Kind 实现 Store
func (s *FSStore) Kind() string { return config.ArchiveFS }

// Save 先写临时文件再重命名，读者不会看到写了一半的 PNG
func (s *FSStore) Save(ctx context.Context, name string, png []byte) (string, error) {
	_, span := telemetry.Tracer().Start(ctx, "archive.fs.save")
	defer span.End()
	span.SetAttributes(attribute.String("archive.name", name), attribute.Int("archive.size", len(png)))

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(s.dir, filepath.Base(name))
	tmp, err := os.CreateTemp(s.dir, ".frame-*.tmp")
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(png); err != nil {
		tmp.Close()
		span.RecordError(err)
		return "", fmt.Errorf("write archive file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close archive file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("rename archive file: %w", err)
	}
	return path, nil
}

// =============================================================================
// 🚫 关闭归档
// =============================================================================

// NopStore 丢弃所有结果
type NopStore struct{}

// Kind 实现 Store
func (NopStore) Kind() string { return config.ArchiveNone }

// Save 实现 Store
func (NopStore) Save(context.Context, string, []byte) (string, error) { return "", nil }
