package repository

import (
	"context"
	"time"
)

// FileRecord 代表数据库中的一条文件元数据。
// Purged 记录永远不会通过列表或查询返回，因此不对外序列化。
type FileRecord struct {
	ID           int64      `json:"id"`
	StorageKey   string     `json:"storageKey"`
	Filename     string     `json:"filename"`
	Path         string     `json:"path"`
	MimeType     string     `json:"mimeType"`
	Extension    string     `json:"extension"`
	Size         int64      `json:"size"`
	IsImage      bool       `json:"isImage"`
	IsVideo      bool       `json:"isVideo"`
	ThumbnailKey *string    `json:"thumbnailKey,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	IsExpired    bool       `json:"isExpired"`
	Purged       bool       `json:"-"`
	PurgedAt     *time.Time `json:"-"`
	UploadUser   string     `json:"uploadUser"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// FileType 是列表过滤使用的粗粒度分类。
type FileType string

const (
	FileTypeAny      FileType = ""
	FileTypeImage    FileType = "image"
	FileTypeVideo    FileType = "video"
	FileTypeDocument FileType = "document"
)

// SortField 是白名单内的排序字段。
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByFilename  SortField = "filename"
	SortBySize      SortField = "size"
)

// ListFilesParams 描述目录内文件的过滤、排序与分页参数。
type ListFilesParams struct {
	Path      string
	Type      FileType
	Search    string
	SortBy    SortField
	Ascending bool
	Page      int
	Limit     int
}

// Offset 由页码与页大小计算偏移量。
func (p ListFilesParams) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// FileUpdate 描述重命名 / 移动 / 修改过期时间。nil 字段表示不修改。
type FileUpdate struct {
	Filename *string
	Path     *string
	// SetExpiry 为 true 时用 ExpiresAt 覆盖过期时间，ExpiresAt 为 nil 表示清除。
	SetExpiry bool
	ExpiresAt *time.Time
}

// ExpiryStats 汇总过期相关的统计数据。
type ExpiryStats struct {
	ExpiredCount int64 `json:"expiredCount"`
	ExpiredSize  int64 `json:"expiredSize"`
	ExpiringSoon int64 `json:"expiringSoon"`
}

// FileRepository 统一文件元数据持久层接口。
// 除 Delete 外，所有读取方法都只返回未 purge 的记录。
type FileRepository interface {
	Create(ctx context.Context, record *FileRecord) (*FileRecord, error)
	GetByID(ctx context.Context, id int64) (*FileRecord, error)
	GetByKey(ctx context.Context, key string) (*FileRecord, error)
	List(ctx context.Context, params ListFilesParams) ([]FileRecord, int, error)
	Update(ctx context.Context, id int64, update FileUpdate, now time.Time) (*FileRecord, error)
	// Transition 把记录推进到目标生命周期状态；对已 purge 的记录返回 ErrNotFound。
	Transition(ctx context.Context, id int64, to FileState, at time.Time) error
	// ListExpired 返回 expires_at <= now 且未 purge 的记录，最多 limit 条。
	ListExpired(ctx context.Context, now time.Time, limit int) ([]FileRecord, error)
	ExpiryStats(ctx context.Context, now, horizon time.Time) (ExpiryStats, error)
	CountInPath(ctx context.Context, path string) (int, error)
	// Delete 物理删除记录行，仅用于管理员硬删除。
	Delete(ctx context.Context, id int64) error
}
