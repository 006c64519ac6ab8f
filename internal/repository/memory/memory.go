// Package memory 提供进程内的元数据存储实现，用于测试与本地开发。
// 语义与 Postgres 实现保持一致：purge 过的记录不可见，目录路径唯一。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"assetvault/internal/naming"
	"assetvault/internal/repository"
)

// Store 持有文件与目录两张"表"，两个仓库共享同一把锁以支持级联更新。
type Store struct {
	mu           sync.RWMutex
	files        map[int64]*repository.FileRecord
	folders      map[int64]*repository.FolderRecord
	nextFileID   int64
	nextFolderID int64
}

// New 创建空的内存存储。
func New() *Store {
	return &Store{
		files:   make(map[int64]*repository.FileRecord),
		folders: make(map[int64]*repository.FolderRecord),
	}
}

// Files 返回文件仓库视图。
func (s *Store) Files() *FileRepository { return &FileRepository{s: s} }

// Folders 返回目录仓库视图。
func (s *Store) Folders() *FolderRepository { return &FolderRepository{s: s} }

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	s *Store
}

func copyFile(rec *repository.FileRecord) *repository.FileRecord {
	out := *rec
	if rec.ExpiresAt != nil {
		t := *rec.ExpiresAt
		out.ExpiresAt = &t
	}
	if rec.PurgedAt != nil {
		t := *rec.PurgedAt
		out.PurgedAt = &t
	}
	if rec.ThumbnailKey != nil {
		k := *rec.ThumbnailKey
		out.ThumbnailKey = &k
	}
	return &out
}

func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.files {
		if existing.StorageKey == record.StorageKey {
			return nil, fmt.Errorf("%w: storage_key", repository.ErrConflict)
		}
	}

	r.s.nextFileID++
	stored := copyFile(record)
	stored.ID = r.s.nextFileID
	r.s.files[stored.ID] = stored
	return copyFile(stored), nil
}

func (r *FileRepository) GetByID(ctx context.Context, id int64) (*repository.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rec, ok := r.s.files[id]
	if !ok || rec.Purged {
		return nil, repository.ErrNotFound
	}
	return copyFile(rec), nil
}

func (r *FileRepository) GetByKey(ctx context.Context, key string) (*repository.FileRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, rec := range r.s.files {
		if rec.StorageKey == key && !rec.Purged {
			return copyFile(rec), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, int, error) {
	r.s.mu.RLock()
	matched := make([]repository.FileRecord, 0)
	search := strings.ToLower(strings.TrimSpace(params.Search))
	for _, rec := range r.s.files {
		if rec.Purged {
			continue
		}
		if params.Path != "" && rec.Path != params.Path {
			continue
		}
		if !matchesType(rec, params.Type) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(rec.Filename), search) {
			continue
		}
		matched = append(matched, *copyFile(rec))
	}
	r.s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch params.SortBy {
		case repository.SortByFilename:
			less, equal = a.Filename < b.Filename, a.Filename == b.Filename
		case repository.SortBySize:
			less, equal = a.Size < b.Size, a.Size == b.Size
		default:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		}
		if equal {
			less = a.ID < b.ID
		}
		if params.Ascending {
			return less
		}
		return !less
	})

	total := len(matched)
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	start := params.Offset()
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func matchesType(rec *repository.FileRecord, t repository.FileType) bool {
	switch t {
	case repository.FileTypeImage:
		return rec.IsImage
	case repository.FileTypeVideo:
		return rec.IsVideo
	case repository.FileTypeDocument:
		return !rec.IsImage && !rec.IsVideo
	default:
		return true
	}
}

func (r *FileRepository) Update(ctx context.Context, id int64, update repository.FileUpdate, now time.Time) (*repository.FileRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.files[id]
	if !ok || rec.Purged {
		return nil, repository.ErrNotFound
	}
	if update.SetExpiry && rec.IsExpired {
		return nil, repository.ErrInvalidTransition
	}

	if update.Filename != nil {
		rec.Filename = *update.Filename
	}
	if update.Path != nil {
		rec.Path = *update.Path
	}
	if update.SetExpiry {
		rec.ExpiresAt = nil
		if update.ExpiresAt != nil {
			t := *update.ExpiresAt
			rec.ExpiresAt = &t
		}
	}
	rec.UpdatedAt = now
	return copyFile(rec), nil
}

func (r *FileRepository) Transition(ctx context.Context, id int64, to repository.FileState, at time.Time) error {
	if to == repository.StateLive {
		return repository.ErrInvalidTransition
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rec, ok := r.s.files[id]
	if !ok || rec.Purged {
		return repository.ErrNotFound
	}
	return rec.ApplyTransition(to, at)
}

func (r *FileRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]repository.FileRecord, error) {
	r.s.mu.RLock()
	var out []repository.FileRecord
	for _, rec := range r.s.files {
		if !rec.Purged && rec.PastExpiry(now) {
			out = append(out, *copyFile(rec))
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FileRepository) ExpiryStats(ctx context.Context, now, horizon time.Time) (repository.ExpiryStats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var stats repository.ExpiryStats
	for _, rec := range r.s.files {
		if rec.Purged || rec.ExpiresAt == nil {
			continue
		}
		switch {
		case !rec.ExpiresAt.After(now):
			stats.ExpiredCount++
			stats.ExpiredSize += rec.Size
		case !rec.ExpiresAt.After(horizon) && !rec.IsExpired:
			stats.ExpiringSoon++
		}
	}
	return stats, nil
}

func (r *FileRepository) CountInPath(ctx context.Context, path string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, rec := range r.s.files {
		if rec.Path == path && !rec.Purged {
			n++
		}
	}
	return n, nil
}

func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.files[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.files, id)
	return nil
}

// Raw 返回包括已 purge 记录在内的原始行，仅供测试断言使用。
func (r *FileRepository) Raw(id int64) (repository.FileRecord, bool) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rec, ok := r.s.files[id]
	if !ok {
		return repository.FileRecord{}, false
	}
	return *copyFile(rec), true
}

// FolderRepository 实现 repository.FolderRepository。
type FolderRepository struct {
	s *Store
}

func (r *FolderRepository) Create(ctx context.Context, folder *repository.FolderRecord) (*repository.FolderRecord, error) {
	if folder == nil {
		return nil, fmt.Errorf("folder record is nil")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.folderByPathLocked(folder.Path) != nil {
		return nil, fmt.Errorf("%w: folders_path_key", repository.ErrConflict)
	}

	r.s.nextFolderID++
	stored := *folder
	stored.ID = r.s.nextFolderID
	r.s.folders[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (s *Store) folderByPathLocked(path string) *repository.FolderRecord {
	for _, f := range s.folders {
		if f.Path == path {
			return f
		}
	}
	return nil
}

func (r *FolderRepository) GetByID(ctx context.Context, id int64) (*repository.FolderRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	f, ok := r.s.folders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *f
	return &out, nil
}

func (r *FolderRepository) GetByPath(ctx context.Context, path string) (*repository.FolderRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	f := r.s.folderByPathLocked(path)
	if f == nil {
		return nil, repository.ErrNotFound
	}
	out := *f
	return &out, nil
}

func (r *FolderRepository) ListChildren(ctx context.Context, parentPath string) ([]repository.FolderRecord, error) {
	r.s.mu.RLock()
	out := []repository.FolderRecord{}
	for _, f := range r.s.folders {
		if f.ParentPath == parentPath {
			out = append(out, *f)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *FolderRepository) Rename(ctx context.Context, id int64, newName string, now time.Time) (*repository.FolderRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	f, ok := r.s.folders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	oldPath := f.Path
	newPath := naming.JoinPath(f.ParentPath, newName)
	if newPath != oldPath {
		if r.s.folderByPathLocked(newPath) != nil {
			return nil, fmt.Errorf("%w: folders_path_key", repository.ErrConflict)
		}
		prefix := oldPath + "/"
		for _, other := range r.s.folders {
			if strings.HasPrefix(other.Path, prefix) {
				other.Path = newPath + strings.TrimPrefix(other.Path, oldPath)
				other.ParentPath = newPath + strings.TrimPrefix(other.ParentPath, oldPath)
				other.UpdatedAt = now
			}
		}
		for _, rec := range r.s.files {
			if rec.Path == oldPath || strings.HasPrefix(rec.Path, prefix) {
				rec.Path = newPath + strings.TrimPrefix(rec.Path, oldPath)
				rec.UpdatedAt = now
			}
		}
	}

	f.Name = newName
	f.Path = newPath
	f.UpdatedAt = now
	out := *f
	return &out, nil
}

func (r *FolderRepository) CountChildren(ctx context.Context, path string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	n := 0
	for _, f := range r.s.folders {
		if f.ParentPath == path {
			n++
		}
	}
	return n, nil
}

func (r *FolderRepository) DeleteIfEmpty(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	folder, ok := r.s.folders[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, f := range r.s.folders {
		if f.ParentPath == folder.Path {
			return repository.ErrNotEmpty
		}
	}
	for _, rec := range r.s.files {
		if rec.Path == folder.Path && !rec.Purged {
			return repository.ErrNotEmpty
		}
	}
	delete(r.s.folders, id)
	return nil
}

var (
	_ repository.FileRepository   = (*FileRepository)(nil)
	_ repository.FolderRepository = (*FolderRepository)(nil)
)
