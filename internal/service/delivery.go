package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"assetvault/internal/naming"
	"assetvault/internal/repository"
	"assetvault/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	integrityMismatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assetvault_integrity_mismatch_total",
		Help: "Disagreements between catalog and object store seen on delivery.",
	}, []string{"reason"})
	orphanServedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_orphan_served_total",
		Help: "Objects served without a catalog record.",
	})
	lazyExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_lazy_expired_total",
		Help: "Records marked expired on read before the sweep reached them.",
	})
)

// Asset 是一次投递要返回的对象。Record 为 nil 表示孤儿对象（只有对象存储里有）。
type Asset struct {
	Key      string
	Filename string
	MimeType string
	Size     int64
	Record   *repository.FileRecord
}

// Orphan 报告该对象是否没有对应的元数据记录。
func (a *Asset) Orphan() bool { return a.Record == nil }

// DeliveryService 把 storage key 解析为可投递的对象，并负责懒过期。
type DeliveryService struct {
	files  repository.FileRepository
	store  storage.Reader
	cache  *RecordCache
	logger *slog.Logger
	now    func() time.Time
}

func NewDeliveryService(files repository.FileRepository, store storage.Reader, cache *RecordCache, logger *slog.Logger) *DeliveryService {
	return &DeliveryService{
		files:  files,
		store:  store,
		cache:  cache,
		logger: logger.With(slog.String("component", "delivery")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve 查找 key 对应的记录并校验生命周期状态：
// 无记录时回退到对象存储（孤儿恢复）；已到期返回 Gone；记录在但对象缺失返回 IntegrityMismatch。
func (s *DeliveryService) Resolve(ctx context.Context, rawKey string) (*Asset, error) {
	key, ok := cleanObjectKey(rawKey)
	if !ok {
		return nil, newError(KindNotFound, nil, "file not found")
	}

	rec, cached := s.cache.Get(key)
	if !cached {
		var err error
		rec, err = s.files.GetByKey(ctx, key)
		if errors.Is(err, repository.ErrNotFound) {
			return s.resolveOrphan(ctx, key)
		}
		if err != nil {
			return nil, newError(KindInternal, err, "lookup %s", key)
		}
	}

	now := s.now()
	if rec.IsExpired {
		s.cache.Invalidate(key)
		return nil, newError(KindGone, nil, "file has expired")
	}
	if rec.PastExpiry(now) {
		s.cache.Invalidate(key)
		if err := s.files.Transition(ctx, rec.ID, repository.StateExpired, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("lazy expire failed", slog.Int64("id", rec.ID), slog.Any("error", err))
		} else {
			lazyExpiredTotal.Inc()
		}
		return nil, newError(KindGone, nil, "file has expired")
	}

	info, err := s.store.Stat(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		if cached {
			// 缓存可能落后于其他实例的删除，回源确认一次
			s.cache.Invalidate(key)
			return s.Resolve(ctx, key)
		}
		integrityMismatchTotal.WithLabelValues("missing_object").Inc()
		s.logger.Error("catalog record has no backing object",
			slog.Int64("id", rec.ID),
			slog.String("key", key),
		)
		return nil, newError(KindIntegrityMismatch, err, "file content is missing")
	}
	if err != nil {
		return nil, newError(KindStorageFailure, err, "stat object")
	}

	size := info.Size
	if size != rec.Size {
		integrityMismatchTotal.WithLabelValues("size").Inc()
		s.logger.Warn("object size differs from catalog",
			slog.String("key", key),
			slog.Int64("catalog_size", rec.Size),
			slog.Int64("object_size", info.Size),
		)
	}

	if !cached {
		s.cache.Set(rec)
	}

	mimeType := rec.MimeType
	if mimeType == "" {
		mimeType = defaultMime
	}
	return &Asset{
		Key:      key,
		Filename: rec.Filename,
		MimeType: mimeType,
		Size:     size,
		Record:   rec,
	}, nil
}

func (s *DeliveryService) resolveOrphan(ctx context.Context, key string) (*Asset, error) {
	info, err := s.store.Stat(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindNotFound, err, "file not found")
	}
	if err != nil {
		return nil, newError(KindStorageFailure, err, "stat object")
	}

	mimeType := NormalizeMime(info.ContentType)
	if mimeType == "" || mimeType == defaultMime {
		_, ext := naming.SplitExt(key)
		if m := MimeFromExtension(ext); m != "" {
			mimeType = m
		}
	}
	if mimeType == "" {
		mimeType = defaultMime
	}

	filename := info.Metadata[storage.MetaOriginalFilename]
	if filename == "" {
		filename = path.Base(key)
	}

	orphanServedTotal.Inc()
	s.logger.Warn("serving orphan object", slog.String("key", key))
	return &Asset{Key: key, Filename: filename, MimeType: mimeType, Size: info.Size}, nil
}

// Open 打开对象内容；r 为 nil 时读取整个对象。
func (s *DeliveryService) Open(ctx context.Context, asset *Asset, r *ByteRange) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	if r == nil {
		rc, err = s.store.Read(ctx, asset.Key)
	} else {
		rc, err = s.store.ReadRange(ctx, asset.Key, r.Start, r.Length())
	}
	if err == nil {
		return rc, nil
	}

	if errors.Is(err, storage.ErrNotFound) {
		if asset.Orphan() {
			return nil, newError(KindNotFound, err, "file not found")
		}
		integrityMismatchTotal.WithLabelValues("missing_object").Inc()
		return nil, newError(KindIntegrityMismatch, err, "file content is missing")
	}
	return nil, newError(KindStorageFailure, err, "read object")
}

// ReadAll 读取整个对象，供图片处理使用。
func (s *DeliveryService) ReadAll(ctx context.Context, asset *Asset) ([]byte, error) {
	rc, err := s.Open(ctx, asset, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, newError(KindStorageFailure, err, "read object")
	}
	return data, nil
}

// cleanObjectKey 去掉前导斜杠，拒绝含 "." / ".." 段或空段的 key。
func cleanObjectKey(raw string) (string, bool) {
	key := strings.TrimPrefix(raw, "/")
	if key == "" {
		return "", false
	}
	if path.Clean("/"+key) != "/"+key {
		return "", false
	}
	return key, true
}

// ByteRange 是闭区间 [Start, End]。
type ByteRange struct {
	Start int64
	End   int64
}

// Length 返回区间字节数。
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// ContentRange 生成 Content-Range 头的值。
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// ParseRange 解析单段 Range 头。header 为空时返回 (nil, nil)。
// 支持 "bytes=a-b"、"bytes=a-"、"bytes=-n"；多段或非 bytes 单位返回 BadRequest；
// 起点超出对象大小返回 RangeNotSatisfiable；终点超出时截断到最后一个字节。
func ParseRange(header string, size int64) (*ByteRange, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil, newError(KindBadRequest, nil, "unsupported range unit")
	}
	rangeSet := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(rangeSet, ",") {
		return nil, newError(KindBadRequest, nil, "multiple ranges are not supported")
	}

	dash := strings.IndexByte(rangeSet, '-')
	if dash < 0 {
		return nil, newError(KindBadRequest, nil, "malformed range %q", header)
	}
	startStr := strings.TrimSpace(rangeSet[:dash])
	endStr := strings.TrimSpace(rangeSet[dash+1:])

	if startStr == "" {
		// 后缀形式：最后 n 个字节
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return nil, newError(KindBadRequest, err, "malformed range %q", header)
		}
		if n == 0 || size == 0 {
			return nil, newError(KindRangeNotSatisfiable, nil, "range not satisfiable")
		}
		if n > size {
			n = size
		}
		return &ByteRange{Start: size - n, End: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, newError(KindBadRequest, err, "malformed range %q", header)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, newError(KindBadRequest, err, "malformed range %q", header)
		}
	}

	if start > size-1 {
		return nil, newError(KindRangeNotSatisfiable, nil, "range start %d beyond size %d", start, size)
	}
	if end > size-1 {
		end = size - 1
	}
	return &ByteRange{Start: start, End: end}, nil
}

// ContentDisposition 生成 RFC 6266 的 Content-Disposition 头：
// 下载或非图片视频类型用 attachment，其余 inline。
func ContentDisposition(filename, mimeType string, download bool) string {
	disposition := "inline"
	if download || !isMediaMime(mimeType) {
		disposition = "attachment"
	}
	if filename == "" {
		return disposition
	}
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, asciiFallback(filename), encodeRFC5987(filename))
}

func asciiFallback(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '"' || r == '\\' || r < 0x20 || r > 0x7e:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func encodeRFC5987(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
