package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/BaSui01/framegen/config"
	"github.com/BaSui01/framegen/internal/telemetry"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
)

// objectClient 归档用到的对象存储操作
type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string) error
	PutPNG(ctx context.Context, bucket, name string, data []byte) error
}

// minioClient 将 *minio.Client 适配为 objectClient
type minioClient struct {
	c *minio.Client
}

func (m minioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.c.BucketExists(ctx, bucket)
}

func (m minioClient) MakeBucket(ctx context.Context, bucket string) error {
	return m.c.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

func (m minioClient) PutPNG(ctx context.Context, bucket, name string, data []byte) error {
	_, err := m.c.PutObject(ctx, bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	return err
}

// MinIOStore 写入 S3 兼容对象存储
type MinIOStore struct {
	client objectClient
	bucket string

	mu      sync.Mutex
	ensured bool
}

// NewMinIOStore 创建对象存储客户端，桶在首次写入时按需创建
func NewMinIOStore(_ context.Context, cfg config.MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newMinIOStore(minioClient{c: client}, cfg.Bucket), nil
}

func newMinIOStore(client objectClient, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

// Kind 实现 Store
func (s *MinIOStore) Kind() string { return config.ArchiveMinIO }

// Save 实现 Store
func (s *MinIOStore) Save(ctx context.Context, name string, png []byte) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "archive.minio.save")
	defer span.End()
	span.SetAttributes(
		attribute.String("minio.bucket", s.bucket),
		attribute.String("minio.key", name),
		attribute.Int("minio.size", len(png)),
	)

	if err := s.ensureBucket(ctx); err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := s.client.PutPNG(ctx, s.bucket, name, png); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("upload to minio: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, name), nil
}

// ensureBucket 只在首次成功后跳过检查，失败时下次写入重试
func (s *MinIOStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if !ok {
		if err := s.client.MakeBucket(ctx, s.bucket); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	s.ensured = true
	return nil
}
