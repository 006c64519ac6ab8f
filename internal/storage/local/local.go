package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"assetvault/internal/storage"
)

// 元数据与临时文件放在 BaseDir 下的保留目录中，不占用 key 空间。
const (
	metaDir       = ".meta"
	tmpDir        = ".tmp"
	sidecarSuffix = ".json"
)

// Store 将对象写入本地文件系统，存储级元数据写在 .meta/<key>.json。
type Store struct {
	BaseDir string
	BaseURL string
}

func New(baseDir, baseURL string) *Store {
	return &Store{BaseDir: baseDir, BaseURL: baseURL}
}

type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// resolve 把 key 映射到 BaseDir 下的绝对路径，禁止逃出根目录。
// 落在保留目录里的 key 一律视为不存在。
func (s *Store) resolve(key string) (string, error) {
	cleaned := path.Clean("/" + key)
	if cleaned == "/" {
		return "", fmt.Errorf("empty object key")
	}
	if reservedKey(cleaned) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return filepath.Join(s.BaseDir, filepath.FromSlash(cleaned)), nil
}

func reservedKey(cleaned string) bool {
	first, _, _ := strings.Cut(strings.TrimPrefix(cleaned, "/"), "/")
	return first == metaDir || first == tmpDir
}

func (s *Store) sidecarPath(key string) string {
	return filepath.Join(s.BaseDir, metaDir, filepath.FromSlash(path.Clean("/"+key))) + sidecarSuffix
}

func (s *Store) Write(ctx context.Context, key string, r io.Reader, opts storage.WriteOptions) (storage.Location, error) {
	if s == nil {
		return storage.Location{}, fmt.Errorf("local store uninitialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Location{}, err
	}

	if reservedKey(path.Clean("/" + key)) {
		return storage.Location{}, fmt.Errorf("object key %q uses a reserved prefix", key)
	}
	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure dir: %w", err)
	}

	tempDir := filepath.Join(s.BaseDir, tmpDir)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return storage.Location{}, fmt.Errorf("ensure temp dir: %w", err)
	}
	file, err := os.CreateTemp(tempDir, "upload-*")
	if err != nil {
		return storage.Location{}, fmt.Errorf("create temp file: %w", err)
	}
	tempPath := file.Name()

	if _, err := io.Copy(file, contextReader{ctx: ctx, r: r}); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("write file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("sync file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("close file: %w", err)
	}

	meta, err := json.Marshal(sidecar{ContentType: opts.ContentType, Metadata: opts.Metadata})
	if err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("encode sidecar: %w", err)
	}
	metaPath := s.sidecarPath(key)
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("ensure meta dir: %w", err)
	}
	if err := os.WriteFile(metaPath, meta, 0o644); err != nil {
		os.Remove(tempPath)
		return storage.Location{}, fmt.Errorf("write sidecar: %w", err)
	}

	if err := os.Rename(tempPath, targetPath); err != nil {
		os.Remove(tempPath)
		os.Remove(metaPath)
		return storage.Location{}, fmt.Errorf("rename temp file: %w", err)
	}

	loc := storage.Location{Path: targetPath}
	if s.BaseURL != "" {
		if u, err := url.JoinPath(s.BaseURL, key); err == nil {
			loc.URL = u
		}
	}
	return loc, nil
}

// Read 打开并返回指定 key 对应的文件内容。
func (s *Store) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.open(key)
}

// ReadRange 返回 [offset, offset+length) 区间的内容。
func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := s.open(key)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seek file: %w", err)
	}
	return limitedFile{Reader: io.LimitReader(file, length), file: file}, nil
}

func (s *Store) open(key string) (*os.File, error) {
	targetPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Stat 返回文件大小以及 sidecar 中记录的内容类型与元数据。
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	targetPath, err := s.resolve(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	fi, err := os.Stat(targetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	info := storage.ObjectInfo{Key: key, Size: fi.Size()}
	if raw, err := os.ReadFile(s.sidecarPath(key)); err == nil {
		var meta sidecar
		if json.Unmarshal(raw, &meta) == nil {
			info.ContentType = meta.ContentType
			info.Metadata = meta.Metadata
		}
	}
	return info, nil
}

// Delete 删除文件与 sidecar，文件不存在时视为成功。
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	targetPath, err := s.resolve(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.Remove(targetPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	if err := os.Remove(s.sidecarPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove sidecar: %w", err)
	}
	return nil
}

type limitedFile struct {
	io.Reader
	file *os.File
}

func (l limitedFile) Close() error { return l.file.Close() }

// contextReader 让长时间的拷贝在 ctx 取消后尽快停止。
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ storage.Storage = (*Store)(nil)
