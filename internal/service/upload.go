package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"assetvault/internal/naming"
	"assetvault/internal/repository"
	"assetvault/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	sniffLen          = 512
	anonymousUploader = "anonymous"
)

// ObjectWriter 是上传流程需要的对象存储能力：写入，以及冲突时的补偿删除。
type ObjectWriter interface {
	storage.Writer
	storage.Deleter
}

// UploadOptions 控制并发度、单文件大小与超时，以及返回 URL 的前缀。MaxFileSize <= 0 表示不限制。
type UploadOptions struct {
	Concurrency   int
	MaxFileSize   int64
	Timeout       time.Duration
	PublicBaseURL string
}

// UploadService 负责批量上传：先写对象存储，再写元数据。
type UploadService struct {
	files   repository.FileRepository
	folders *FolderService
	store   ObjectWriter
	opts    UploadOptions
	logger  *slog.Logger
	now     func() time.Time
}

func NewUploadService(files repository.FileRepository, folders *FolderService, store ObjectWriter, opts UploadOptions, logger *slog.Logger) *UploadService {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &UploadService{
		files:   files,
		folders: folders,
		store:   store,
		opts:    opts,
		logger:  logger.With(slog.String("component", "upload")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UploadFile 描述批次中的单个文件。Open 每次调用返回一个新的读取流。
type UploadFile struct {
	Filename    string
	Size        int64
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// UploadRequest 是一次批量上传。ExpiresIn 为 nil 或 0 表示永不过期。
type UploadRequest struct {
	Files      []UploadFile
	Path       string
	ExpiresIn  *int64
	UploadUser string
}

// UploadedFile 是单个文件的成功结果。
type UploadedFile struct {
	ID        int64      `json:"id"`
	Key       string     `json:"key"`
	URL       string     `json:"url"`
	Filename  string     `json:"filename"`
	Path      string     `json:"path"`
	Mime      string     `json:"mime"`
	Size      int64      `json:"size"`
	IsImage   bool       `json:"isImage"`
	IsVideo   bool       `json:"isVideo"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// UploadError 是单个文件的失败结果。
type UploadError struct {
	Filename string `json:"filename"`
	Kind     Kind   `json:"kind"`
	Error    string `json:"error"`
}

// UploadResult 汇总整批结果，不存在跨文件的事务边界。
type UploadResult struct {
	Uploaded []UploadedFile `json:"uploaded"`
	Errors   []UploadError  `json:"errors"`
}

// Upload 并发处理每个文件，单个失败不影响其他文件，结果保持输入顺序。
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if len(req.Files) == 0 {
		return nil, newError(KindBadRequest, nil, "at least one file is required")
	}
	folder, err := normalizeFolderPath(req.Path)
	if err != nil {
		return nil, err
	}
	var expiresAt *time.Time
	if req.ExpiresIn != nil {
		expiresAt, err = expiryAfter(s.now(), *req.ExpiresIn)
		if err != nil {
			return nil, err
		}
	}
	user := strings.TrimSpace(req.UploadUser)
	if user == "" {
		user = anonymousUploader
	}

	// 目录补齐只是簿记，失败不影响上传
	if s.folders != nil {
		if err := s.folders.EnsurePath(ctx, folder); err != nil {
			s.logger.Warn("ensure folder path failed", slog.String("path", folder), slog.Any("error", err))
		}
	}

	type outcome struct {
		ok  *UploadedFile
		err *UploadError
	}
	outcomes := make([]outcome, len(req.Files))

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, f := range req.Files {
		i, f := i, f
		g.Go(func() error {
			uploaded, err := s.uploadOne(ctx, f, folder, expiresAt, user)
			if err != nil {
				outcomes[i].err = &UploadError{Filename: f.Filename, Kind: KindOf(err), Error: DetailOf(err)}
				return nil
			}
			outcomes[i].ok = uploaded
			return nil
		})
	}
	_ = g.Wait()

	result := &UploadResult{Uploaded: []UploadedFile{}, Errors: []UploadError{}}
	for _, o := range outcomes {
		if o.ok != nil {
			result.Uploaded = append(result.Uploaded, *o.ok)
		} else if o.err != nil {
			result.Errors = append(result.Errors, *o.err)
		}
	}

	s.logger.Info("upload batch finished",
		slog.String("path", folder),
		slog.Int("uploaded", len(result.Uploaded)),
		slog.Int("failed", len(result.Errors)),
	)
	return result, nil
}

func (s *UploadService) uploadOne(ctx context.Context, f UploadFile, folder string, expiresAt *time.Time, user string) (*UploadedFile, error) {
	filename := strings.TrimSpace(f.Filename)
	if filename == "" {
		return nil, newError(KindBadRequest, nil, "filename is required")
	}
	if f.Size == 0 {
		return nil, newError(KindBadRequest, nil, "file %s is empty", filename)
	}
	if s.opts.MaxFileSize > 0 && f.Size > s.opts.MaxFileSize {
		return nil, newError(KindBadRequest, nil, "file %s exceeds the %d byte limit", filename, s.opts.MaxFileSize)
	}
	if f.Open == nil {
		return nil, newError(KindBadRequest, nil, "file %s has no content", filename)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, newError(KindBadRequest, err, "open %s", filename)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, newError(KindBadRequest, err, "read %s", filename)
	}
	if len(head) == 0 {
		return nil, newError(KindBadRequest, nil, "file %s is empty", filename)
	}

	_, ext := naming.SplitExt(filename)
	mimeType := DetectMime(f.ContentType, head, ext)
	isImage, isVideo := Classify(mimeType)

	now := s.now()
	key := naming.StorageKey(filename, folder, now)

	writeCtx := ctx
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	counter := &countingReader{r: br}
	if _, err := s.store.Write(writeCtx, key, counter, storage.WriteOptions{
		ContentType: mimeType,
		Size:        f.Size,
		Metadata: map[string]string{
			storage.MetaOriginalFilename: filename,
			storage.MetaUploadUser:       user,
		},
	}); err != nil {
		s.logger.Error("object write failed", slog.String("key", key), slog.Any("error", err))
		return nil, newError(KindStorageFailure, err, "store %s failed", filename)
	}

	record, err := s.files.Create(ctx, &repository.FileRecord{
		StorageKey: key,
		Filename:   filename,
		Path:       folder,
		MimeType:   mimeType,
		Extension:  ext,
		Size:       counter.n,
		IsImage:    isImage,
		IsVideo:    isVideo,
		ExpiresAt:  expiresAt,
		UploadUser: user,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		// 元数据写入失败：删除刚写入的对象，避免留下无主对象
		if derr := s.store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.Error("compensating delete failed", slog.String("key", key), slog.Any("error", derr))
		}
		if errors.Is(err, repository.ErrConflict) {
			return nil, newError(KindConflict, err, "storage key collision for %s, retry the upload", filename)
		}
		return nil, newError(KindInternal, err, "record %s failed", filename)
	}

	return &UploadedFile{
		ID:        record.ID,
		Key:       record.StorageKey,
		URL:       FileURL(s.opts.PublicBaseURL, record.StorageKey),
		Filename:  record.Filename,
		Path:      record.Path,
		Mime:      record.MimeType,
		Size:      record.Size,
		IsImage:   record.IsImage,
		IsVideo:   record.IsVideo,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// FileURL 拼出对象的公开访问地址，key 的每一段单独转义。
func FileURL(base, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/files/%s", strings.TrimRight(base, "/"), strings.Join(segments, "/"))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// maxExpiresIn 是 time.Duration 能表示的最大秒数，约 292 年。
const maxExpiresIn = math.MaxInt64 / int64(time.Second)

// expiryAfter 把相对秒数换算成绝对过期时间。0 表示永不过期（返回 nil）。
func expiryAfter(now time.Time, secs int64) (*time.Time, error) {
	switch {
	case secs < 0:
		return nil, newError(KindBadRequest, nil, "expiresIn must not be negative")
	case secs > maxExpiresIn:
		return nil, newError(KindBadRequest, nil, "expiresIn must not exceed %d seconds", maxExpiresIn)
	case secs == 0:
		return nil, nil
	}
	t := now.Add(time.Duration(secs) * time.Second)
	return &t, nil
}
