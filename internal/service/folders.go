package service

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"assetvault/internal/naming"
	"assetvault/internal/repository"
)

const maxFolderNameLength = 255

// FolderService 维护虚拟目录树。
type FolderService struct {
	folders repository.FolderRepository
	files   repository.FileRepository
	logger  *slog.Logger
	now     func() time.Time
}

func NewFolderService(folders repository.FolderRepository, files repository.FileRepository, logger *slog.Logger) *FolderService {
	return &FolderService{
		folders: folders,
		files:   files,
		logger:  logger.With(slog.String("component", "folders")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateFolder 在 parentPath 下创建子目录，路径已存在时返回 Conflict。
func (s *FolderService) CreateFolder(ctx context.Context, name, parentPath string) (*repository.FolderRecord, error) {
	name, err := validateFolderName(name)
	if err != nil {
		return nil, err
	}
	parent, err := normalizeFolderPath(parentPath)
	if err != nil {
		return nil, err
	}

	now := s.now()
	created, err := s.folders.Create(ctx, &repository.FolderRecord{
		Name:       name,
		Path:       naming.JoinPath(parent, name),
		ParentPath: parent,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, newError(KindConflict, err, "folder %s already exists", naming.JoinPath(parent, name))
		}
		return nil, newError(KindInternal, err, "create folder")
	}

	s.logger.Info("folder created", slog.String("path", created.Path))
	return created, nil
}

// ListFolders 返回 parentPath 的直接子目录，按名称排序。
func (s *FolderService) ListFolders(ctx context.Context, parentPath string) ([]repository.FolderRecord, error) {
	parent, err := normalizeFolderPath(parentPath)
	if err != nil {
		return nil, err
	}
	folders, err := s.folders.ListChildren(ctx, parent)
	if err != nil {
		return nil, newError(KindInternal, err, "list folders")
	}
	return folders, nil
}

// RenameFolder 修改目录名，新路径与已有目录冲突时返回 Conflict。
func (s *FolderService) RenameFolder(ctx context.Context, id int64, newName string) (*repository.FolderRecord, error) {
	newName, err := validateFolderName(newName)
	if err != nil {
		return nil, err
	}

	renamed, err := s.folders.Rename(ctx, id, newName, s.now())
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, newError(KindNotFound, err, "folder %d not found", id)
	case errors.Is(err, repository.ErrConflict):
		return nil, newError(KindConflict, err, "a folder named %q already exists here", newName)
	case err != nil:
		return nil, newError(KindInternal, err, "rename folder")
	}

	s.logger.Info("folder renamed", slog.Int64("id", id), slog.String("path", renamed.Path))
	return renamed, nil
}

// DeleteFolder 只删除空目录：没有子目录，也没有未 purge 的文件。
// 是否为空由仓库在删除的同一步里判断。目录行只是簿记：与删除同时进行的上传
// 仍可能把文件落在刚删除的路径下，文件照常可见，下一次上传会补齐目录。
func (s *FolderService) DeleteFolder(ctx context.Context, id int64) error {
	folder, err := s.folders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindNotFound, err, "folder %d not found", id)
		}
		return newError(KindInternal, err, "load folder")
	}

	err = s.folders.DeleteIfEmpty(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotEmpty):
		return s.notEmpty(ctx, folder, err)
	case errors.Is(err, repository.ErrNotFound):
		return newError(KindNotFound, err, "folder %d not found", id)
	case err != nil:
		return newError(KindInternal, err, "delete folder")
	}

	s.logger.Info("folder deleted", slog.String("path", folder.Path))
	return nil
}

// notEmpty 组装 NotEmpty 错误；计数只用于提示，统计失败时省略。
func (s *FolderService) notEmpty(ctx context.Context, folder *repository.FolderRecord, cause error) error {
	children, err1 := s.folders.CountChildren(ctx, folder.Path)
	files, err2 := s.files.CountInPath(ctx, folder.Path)
	if err1 != nil || err2 != nil {
		return newError(KindNotEmpty, cause, "folder %s is not empty", folder.Path)
	}
	return newError(KindNotEmpty, cause, "folder %s is not empty (%d folders, %d files)", folder.Path, children, files)
}

// EnsurePath 补齐 p 上缺失的每一级目录。并发创建导致的 Conflict 直接忽略。
// 返回的错误只用于记录日志，调用方不应因此失败。
func (s *FolderService) EnsurePath(ctx context.Context, p string) error {
	normalized, err := naming.NormalizePath(p)
	if err != nil {
		return err
	}

	for _, current := range naming.Ancestors(normalized) {
		if _, err := s.folders.GetByPath(ctx, current); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		now := s.now()
		parent := naming.ParentPath(current)
		_, err := s.folders.Create(ctx, &repository.FolderRecord{
			Name:       path.Base(current),
			Path:       current,
			ParentPath: parent,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil && !errors.Is(err, repository.ErrConflict) {
			return err
		}
	}
	return nil
}

func validateFolderName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", newError(KindBadRequest, nil, "folder name is required")
	case strings.ContainsAny(name, `/\`):
		return "", newError(KindBadRequest, nil, "folder name must not contain path separators")
	case name == "." || name == "..":
		return "", newError(KindBadRequest, nil, "folder name %q is reserved", name)
	case len(name) > maxFolderNameLength:
		return "", newError(KindBadRequest, nil, "folder name exceeds %d bytes", maxFolderNameLength)
	}
	return name, nil
}

func normalizeFolderPath(p string) (string, error) {
	normalized, err := naming.NormalizePath(p)
	if err != nil {
		return "", newError(KindBadRequest, err, "invalid path %q", p)
	}
	return normalized, nil
}
