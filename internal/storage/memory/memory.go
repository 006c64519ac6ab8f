// Package memory 是进程内对象存储，用于测试以及 STORAGE_DRIVER=memory 的本地开发。
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"assetvault/internal/storage"
)

type object struct {
	data []byte
	info storage.ObjectInfo
}

// Store 实现 storage.Storage。可注入错误以模拟对象存储故障。
type Store struct {
	mu      sync.RWMutex
	objects map[string]object

	// WriteErr / DeleteErr 非空时，对应操作直接返回该错误。
	WriteErr  error
	DeleteErr error
}

func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func (s *Store) Write(ctx context.Context, key string, r io.Reader, opts storage.WriteOptions) (storage.Location, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.Location{}, fmt.Errorf("read payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return storage.Location{}, s.WriteErr
	}

	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	s.objects[key] = object{
		data: data,
		info: storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: opts.ContentType, Metadata: meta},
	}
	return storage.Location{Path: key, URL: "mem://" + key}, nil
}

func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	size := int64(len(obj.data))
	if offset > size {
		offset = size
	}
	end := offset + length
	if end > size {
		end = size
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return obj.info, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.objects, key)
	return nil
}

// Put 直接写入对象，绕过上传流程，供测试构造孤儿对象等场景。
func (s *Store) Put(key string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{
		data: append([]byte(nil), data...),
		info: storage.ObjectInfo{Key: key, Size: int64(len(data)), ContentType: contentType},
	}
}

// Has 报告对象是否存在。
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}

// Bytes 返回对象内容的副本。
func (s *Store) Bytes(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Len 返回对象数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// SetErrors 并发安全地设置故障注入。
func (s *Store) SetErrors(writeErr, deleteErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteErr = writeErr
	s.DeleteErr = deleteErr
}

var _ storage.Storage = (*Store)(nil)
