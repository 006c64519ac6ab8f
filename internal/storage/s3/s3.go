package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"assetvault/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config 包含 S3/MinIO 存储所需的配置。
type Config struct {
	Endpoint  string // 不含协议，如 "localhost:9000" 或 "s3.amazonaws.com"
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool // 是否使用 HTTPS
	PathStyle bool // 是否使用路径风格（MinIO 需要 true）
}

// Storage 实现了 storage.Storage 接口，使用 S3 兼容存储。
type Storage struct {
	client *minio.Client
	bucket string
}

// New 创建新的 S3 存储实例，bucket 不存在时自动创建。
func New(ctx context.Context, cfg Config) (*Storage, error) {
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

func cleanKey(key string) string {
	return strings.TrimPrefix(path.Clean("/"+key), "/")
}

// Write 将对象写入 S3。元数据值做 URL 编码，保证只包含 ASCII。
func (s *Storage) Write(ctx context.Context, key string, r io.Reader, opts storage.WriteOptions) (storage.Location, error) {
	if s == nil || s.client == nil {
		return storage.Location{}, fmt.Errorf("s3 storage uninitialized")
	}

	objectKey := cleanKey(key)
	userMeta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		userMeta[k] = url.QueryEscape(v)
	}

	size := opts.Size
	if size <= 0 {
		size = -1
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.PutObject(ctx, s.bucket, objectKey, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: userMeta,
	})
	if err != nil {
		return storage.Location{}, fmt.Errorf("put object: %w", err)
	}

	return storage.Location{
		Path: objectKey,
		URL:  fmt.Sprintf("s3://%s/%s", s.bucket, info.Key),
	}, nil
}

// Read 从 S3 读取整个对象。
func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.get(ctx, key, minio.GetObjectOptions{})
}

// ReadRange 读取 [offset, offset+length) 区间。
func (s *Storage) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("set range: %w", err)
	}
	return s.get(ctx, key, opts)
}

func (s *Storage) get(ctx context.Context, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("s3 storage uninitialized")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, cleanKey(key), opts)
	if err != nil {
		return nil, mapError(key, err)
	}

	// GetObject 是惰性的，Stat 一次以便尽早发现 NoSuchKey
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapError(key, err)
	}
	return obj, nil
}

// Stat 返回对象大小、类型与用户元数据。
func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s == nil || s.client == nil {
		return storage.ObjectInfo{}, fmt.Errorf("s3 storage uninitialized")
	}

	info, err := s.client.StatObject(ctx, s.bucket, cleanKey(key), minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, mapError(key, err)
	}

	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		if decoded, err := url.QueryUnescape(v); err == nil {
			v = decoded
		}
		meta[strings.ToLower(k)] = v
	}

	return storage.ObjectInfo{
		Key:         key,
		Size:        info.Size,
		ContentType: info.ContentType,
		Metadata:    meta,
	}, nil
}

// Delete 从 S3 删除对象；S3 对不存在的对象删除同样返回成功。
func (s *Storage) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("s3 storage uninitialized")
	}
	if err := s.client.RemoveObject(ctx, s.bucket, cleanKey(key), minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func mapError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return fmt.Errorf("s3 object %s: %w", key, err)
}

var _ storage.Storage = (*Storage)(nil)
