// Package gcs 是基于 Google Cloud Storage 的对象存储实现。
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"assetvault/internal/storage"

	gstorage "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config 描述 GCS bucket 与可选的服务账号凭证文件。
// Endpoint 指向兼容 GCS JSON API 的模拟器，此时不做身份认证。
type Config struct {
	Bucket          string
	CredentialsFile string
	Endpoint        string
}

// Storage 实现 storage.Storage。
type Storage struct {
	client *gstorage.Client
	bucket *gstorage.BucketHandle
	name   string
}

// New 创建 GCS 客户端。未提供凭证文件时使用 Application Default Credentials。
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var opts []option.ClientOption
	switch {
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gstorage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Storage{client: client, bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// Close 释放底层客户端。
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) object(key string) *gstorage.ObjectHandle {
	return s.bucket.Object(strings.TrimPrefix(path.Clean("/"+key), "/"))
}

func (s *Storage) Write(ctx context.Context, key string, r io.Reader, opts storage.WriteOptions) (storage.Location, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.Metadata = opts.Metadata

	if err := upload(w, cancel, r); err != nil {
		return storage.Location{}, err
	}

	return storage.Location{
		Path: w.Attrs().Name,
		URL:  fmt.Sprintf("gs://%s/%s", s.name, w.Attrs().Name),
	}, nil
}

// objectWriter 是上传时用到的 *gstorage.Writer 方法。
type objectWriter interface {
	io.Writer
	Close() error
}

// upload 把 r 完整写入 w 后提交。复制失败时先取消 writer 的上下文再关闭，
// 已取消的 writer 放弃上传，bucket 中不会出现截断的对象。
func upload(w objectWriter, cancel context.CancelFunc, r io.Reader) error {
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gcs object: %w", err)
	}
	return nil
}

func (s *Storage) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := s.object(key).NewReader(ctx)
	if err != nil {
		return nil, mapError(key, err)
	}
	return rc, nil
}

func (s *Storage) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rc, err := s.object(key).NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, mapError(key, err)
	}
	return rc, nil
}

func (s *Storage) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		return storage.ObjectInfo{}, mapError(key, err)
	}
	return storage.ObjectInfo{
		Key:         key,
		Size:        attrs.Size,
		ContentType: attrs.ContentType,
		Metadata:    attrs.Metadata,
	}, nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.object(key).Delete(ctx); err != nil && !errors.Is(err, gstorage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object: %w", err)
	}
	return nil
}

func mapError(key string, err error) error {
	if errors.Is(err, gstorage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return fmt.Errorf("gcs object %s: %w", key, err)
}

var _ storage.Storage = (*Storage)(nil)
