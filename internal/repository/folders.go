package repository

import (
	"context"
	"time"
)

// FolderRecord 代表虚拟目录树中的一个节点，根目录 "/" 不落库。
type FolderRecord struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ParentPath string    `json:"parentPath"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// FolderRepository 是目录树持久层接口。
type FolderRepository interface {
	Create(ctx context.Context, folder *FolderRecord) (*FolderRecord, error)
	GetByID(ctx context.Context, id int64) (*FolderRecord, error)
	GetByPath(ctx context.Context, path string) (*FolderRecord, error)
	ListChildren(ctx context.Context, parentPath string) ([]FolderRecord, error)
	// Rename 修改目录名并把新前缀级联到子目录与文件的 path。
	Rename(ctx context.Context, id int64, newName string, now time.Time) (*FolderRecord, error)
	CountChildren(ctx context.Context, path string) (int, error)
	// DeleteIfEmpty 原子地检查并删除目录，非空时返回 ErrNotEmpty。
	DeleteIfEmpty(ctx context.Context, id int64) error
}
