package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound 表示对象存储中不存在该 key。
var ErrNotFound = errors.New("storage: object not found")

// 写入对象时附带的存储级元数据键，用于事后取证恢复。
const (
	MetaOriginalFilename = "original-filename"
	MetaUploadUser       = "upload-user"
)

// WriteOptions 描述写入对象时的附加信息。Size < 0 表示未知长度。
type WriteOptions struct {
	ContentType string
	Size        int64
	Metadata    map[string]string
}

// ObjectInfo 是对象存储报告的对象属性，Size 以对象存储为准。
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Writer 定义对象存储写接口，支持流式写入。
type Writer interface {
	Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) (Location, error)
}

// Reader 定义对象存储读接口，支持整读与区间读。
type Reader interface {
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	ReadRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
}

// Deleter 定义删除接口。删除不存在的对象视为成功，保证幂等。
type Deleter interface {
	Delete(ctx context.Context, key string) error
}

// Storage 组合了读写删能力的完整存储接口。
type Storage interface {
	Writer
	Reader
	Deleter
}

// Location 描述已经写入对象的可访问信息。
type Location struct {
	Path string
	URL  string
}
