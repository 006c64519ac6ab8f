package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"assetvault/internal/repository"
	"assetvault/internal/storage"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// CatalogService 提供文件元数据的查询、修改与删除。
type CatalogService struct {
	files   repository.FileRepository
	folders *FolderService
	store   storage.Deleter
	cache   *RecordCache
	logger  *slog.Logger
	now     func() time.Time
}

func NewCatalogService(files repository.FileRepository, folders *FolderService, store storage.Deleter, cache *RecordCache, logger *slog.Logger) *CatalogService {
	return &CatalogService{
		files:   files,
		folders: folders,
		store:   store,
		cache:   cache,
		logger:  logger.With(slog.String("component", "catalog")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ListQuery 是未经校验的列表参数，字段直接来自查询串。
type ListQuery struct {
	Path      string
	Type      string
	Search    string
	SortBy    string
	SortOrder string
	Page      int
	Limit     int
}

// Pagination 描述分页信息。
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ListFilters 回显实际生效的过滤条件。
type ListFilters struct {
	Path      string `json:"path"`
	Type      string `json:"type"`
	Search    string `json:"search"`
	SortBy    string `json:"sortBy"`
	SortOrder string `json:"sortOrder"`
}

// ListResult 是一页文件加上当前目录的直接子目录。
type ListResult struct {
	Files      []repository.FileRecord   `json:"files"`
	Folders    []repository.FolderRecord `json:"folders"`
	Pagination Pagination                `json:"pagination"`
	Filters    ListFilters               `json:"filters"`
}

// List 按目录（非递归）列出未 purge 的文件。
func (s *CatalogService) List(ctx context.Context, q ListQuery) (*ListResult, error) {
	params, filters, err := buildListParams(q)
	if err != nil {
		return nil, err
	}

	files, total, err := s.files.List(ctx, params)
	if err != nil {
		return nil, newError(KindInternal, err, "list files")
	}
	if files == nil {
		files = []repository.FileRecord{}
	}

	folders := []repository.FolderRecord{}
	if s.folders != nil {
		if folders, err = s.folders.ListFolders(ctx, params.Path); err != nil {
			return nil, err
		}
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + params.Limit - 1) / params.Limit
	}

	return &ListResult{
		Files:   files,
		Folders: folders,
		Pagination: Pagination{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: totalPages,
		},
		Filters: filters,
	}, nil
}

func buildListParams(q ListQuery) (repository.ListFilesParams, ListFilters, error) {
	path, err := normalizeFolderPath(q.Path)
	if err != nil {
		return repository.ListFilesParams{}, ListFilters{}, err
	}

	fileType := repository.FileType(strings.ToLower(strings.TrimSpace(q.Type)))
	switch fileType {
	case repository.FileTypeAny, repository.FileTypeImage, repository.FileTypeVideo, repository.FileTypeDocument:
	case "all":
		fileType = repository.FileTypeAny
	default:
		return repository.ListFilesParams{}, ListFilters{}, newError(KindBadRequest, nil, "unknown type %q", q.Type)
	}

	var sortBy repository.SortField
	switch strings.TrimSpace(q.SortBy) {
	case "", "createdAt", "created_at":
		sortBy = repository.SortByCreatedAt
	case "filename", "name":
		sortBy = repository.SortByFilename
	case "size":
		sortBy = repository.SortBySize
	default:
		return repository.ListFilesParams{}, ListFilters{}, newError(KindBadRequest, nil, "unknown sortBy %q", q.SortBy)
	}

	order := strings.ToLower(strings.TrimSpace(q.SortOrder))
	switch order {
	case "":
		order = "desc"
	case "asc", "desc":
	default:
		return repository.ListFilesParams{}, ListFilters{}, newError(KindBadRequest, nil, "sortOrder must be asc or desc")
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}

	search := strings.TrimSpace(q.Search)
	params := repository.ListFilesParams{
		Path:      path,
		Type:      fileType,
		Search:    search,
		SortBy:    sortBy,
		Ascending: order == "asc",
		Page:      page,
		Limit:     limit,
	}
	filters := ListFilters{
		Path:      path,
		Type:      string(fileType),
		Search:    search,
		SortBy:    string(sortBy),
		SortOrder: order,
	}
	return params, filters, nil
}

// Get 返回单条未 purge 的记录。
func (s *CatalogService) Get(ctx context.Context, id int64) (*repository.FileRecord, error) {
	rec, err := s.files.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, err, "file %d not found", id)
		}
		return nil, newError(KindInternal, err, "load file")
	}
	return rec, nil
}

// UpdateRequest 描述重命名 / 移动 / 修改过期时间。
// SetExpiry 为 true 时 ExpiresIn 生效，ExpiresIn 为 0 表示清除过期时间。
type UpdateRequest struct {
	Filename  *string
	Path      *string
	SetExpiry bool
	ExpiresIn int64
}

// Update 修改文件名、目录或过期时间。已过期记录的过期时间不可再修改。
func (s *CatalogService) Update(ctx context.Context, id int64, req UpdateRequest) (*repository.FileRecord, error) {
	var update repository.FileUpdate

	if req.Filename != nil {
		name := strings.TrimSpace(*req.Filename)
		if name == "" || strings.ContainsAny(name, `/\`) {
			return nil, newError(KindBadRequest, nil, "filename must be non-empty and contain no path separators")
		}
		update.Filename = &name
	}
	if req.Path != nil {
		path, err := normalizeFolderPath(*req.Path)
		if err != nil {
			return nil, err
		}
		update.Path = &path
	}

	now := s.now()
	if req.SetExpiry {
		expiresAt, err := expiryAfter(now, req.ExpiresIn)
		if err != nil {
			return nil, err
		}
		update.SetExpiry = true
		update.ExpiresAt = expiresAt
	}

	if update.Filename == nil && update.Path == nil && !update.SetExpiry {
		return nil, newError(KindBadRequest, nil, "nothing to update")
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if update.SetExpiry && (current.IsExpired || current.PastExpiry(now)) {
		// 过期状态只能前进：先把已到期的记录标记出来，再拒绝修改
		if !current.IsExpired {
			if err := s.files.Transition(ctx, id, repository.StateExpired, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("mark expired failed", slog.Int64("id", id), slog.Any("error", err))
			}
		}
		s.cache.Invalidate(current.StorageKey)
		return nil, newError(KindGone, nil, "file %d has expired", id)
	}

	updated, err := s.files.Update(ctx, id, update, now)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, newError(KindNotFound, err, "file %d not found", id)
	case errors.Is(err, repository.ErrInvalidTransition):
		return nil, newError(KindGone, err, "file %d has expired", id)
	case err != nil:
		return nil, newError(KindInternal, err, "update file")
	}
	s.cache.Invalidate(updated.StorageKey)

	if update.Path != nil && s.folders != nil {
		if err := s.folders.EnsurePath(ctx, *update.Path); err != nil {
			s.logger.Warn("ensure folder path failed", slog.String("path", *update.Path), slog.Any("error", err))
		}
	}

	s.logger.Info("file updated", slog.Int64("id", id), slog.String("key", updated.StorageKey))
	return updated, nil
}

// Delete 先删除对象存储中的内容（含缩略图），成功后才把记录标记为 purged。
// 对象删除失败时请求失败，记录保持可见，可以重试。
func (s *CatalogService) Delete(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.deleteObjects(ctx, rec); err != nil {
		return err
	}

	if err := s.files.Transition(ctx, id, repository.StatePurged, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindNotFound, err, "file %d not found", id)
		}
		return newError(KindInternal, err, "mark file purged")
	}
	s.cache.Invalidate(rec.StorageKey)

	s.logger.Info("file deleted", slog.Int64("id", id), slog.String("key", rec.StorageKey))
	return nil
}

// HardDelete 是管理员操作：删除对象后直接删除元数据行。
func (s *CatalogService) HardDelete(ctx context.Context, id int64) error {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.deleteObjects(ctx, rec); err != nil {
		return err
	}

	if err := s.files.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindNotFound, err, "file %d not found", id)
		}
		return newError(KindInternal, err, "delete file row")
	}
	s.cache.Invalidate(rec.StorageKey)

	s.logger.Warn("file hard-deleted", slog.Int64("id", id), slog.String("key", rec.StorageKey))
	return nil
}

func (s *CatalogService) deleteObjects(ctx context.Context, rec *repository.FileRecord) error {
	if err := s.store.Delete(ctx, rec.StorageKey); err != nil {
		s.logger.Error("object delete failed", slog.String("key", rec.StorageKey), slog.Any("error", err))
		return newError(KindStorageFailure, err, "delete object for file %d failed", rec.ID)
	}
	if rec.ThumbnailKey != nil && *rec.ThumbnailKey != "" {
		if err := s.store.Delete(ctx, *rec.ThumbnailKey); err != nil {
			s.logger.Error("thumbnail delete failed", slog.String("key", *rec.ThumbnailKey), slog.Any("error", err))
			return newError(KindStorageFailure, err, "delete thumbnail for file %d failed", rec.ID)
		}
	}
	return nil
}
