package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"assetvault/internal/naming"
	"assetvault/internal/repository"
)

// NewFolderRepository 返回基于 *sql.DB 的目录树实现。
func NewFolderRepository(db *sql.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

// FolderRepository 实现 repository.FolderRepository。
type FolderRepository struct {
	db *sql.DB
}

const folderColumns = `id, name, path, parent_path, created_at, updated_at`

// Create 插入目录，路径冲突返回 repository.ErrConflict。
func (r *FolderRepository) Create(ctx context.Context, folder *repository.FolderRecord) (*repository.FolderRecord, error) {
	if folder == nil {
		return nil, fmt.Errorf("folder record is nil")
	}

	query := fmt.Sprintf(`INSERT INTO folders (name, path, parent_path, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING %s`, folderColumns)

	created, err := scanFolder(r.db.QueryRowContext(ctx, query,
		folder.Name, folder.Path, folder.ParentPath, folder.CreatedAt, folder.UpdatedAt))
	if err != nil {
		return nil, translateError(err)
	}
	return created, nil
}

// GetByID 按主键查询目录。
func (r *FolderRepository) GetByID(ctx context.Context, id int64) (*repository.FolderRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM folders WHERE id = $1`, folderColumns)
	return r.getOne(ctx, r.db, query, id)
}

// GetByPath 按绝对路径查询目录。
func (r *FolderRepository) GetByPath(ctx context.Context, path string) (*repository.FolderRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM folders WHERE path = $1`, folderColumns)
	return r.getOne(ctx, r.db, query, path)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *FolderRepository) getOne(ctx context.Context, q queryRower, query string, arg any) (*repository.FolderRecord, error) {
	folder, err := scanFolder(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return folder, nil
}

// ListChildren 返回 parentPath 的直接子目录，按名称排序。
func (r *FolderRepository) ListChildren(ctx context.Context, parentPath string) ([]repository.FolderRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM folders WHERE parent_path = $1 ORDER BY name ASC, id ASC`, folderColumns)
	rows, err := r.db.QueryContext(ctx, query, parentPath)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	result := []repository.FolderRecord{}
	for rows.Next() {
		folder, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *folder)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Rename 在一个事务内修改目录名，并把新前缀级联到后代目录与文件。
func (r *FolderRepository) Rename(ctx context.Context, id int64, newName string, now time.Time) (*repository.FolderRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rename tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := r.getOne(ctx, tx, fmt.Sprintf(`SELECT %s FROM folders WHERE id = $1 FOR UPDATE`, folderColumns), id)
	if err != nil {
		return nil, err
	}

	oldPath := current.Path
	newPath := naming.JoinPath(current.ParentPath, newName)

	updated, err := scanFolder(tx.QueryRowContext(ctx,
		fmt.Sprintf(`UPDATE folders SET name = $1, path = $2, updated_at = $3 WHERE id = $4 RETURNING %s`, folderColumns),
		newName, newPath, now, id))
	if err != nil {
		return nil, translateError(err)
	}

	if newPath != oldPath {
		if _, err := tx.ExecContext(ctx, `UPDATE folders
		SET path = $1::text || substr(path, length($2::text) + 1),
		    parent_path = $1::text || substr(parent_path, length($2::text) + 1),
		    updated_at = $3
		WHERE left(path, length($2::text) + 1) = $2::text || '/'`, newPath, oldPath, now); err != nil {
			return nil, translateError(err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE files
		SET path = $1::text || substr(path, length($2::text) + 1), updated_at = $3
		WHERE path = $2::text OR left(path, length($2::text) + 1) = $2::text || '/'`, newPath, oldPath, now); err != nil {
			return nil, fmt.Errorf("move files: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rename tx: %w", err)
	}
	return updated, nil
}

// CountChildren 统计 path 的直接子目录数量。
func (r *FolderRepository) CountChildren(ctx context.Context, path string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM folders WHERE parent_path = $1`, path).Scan(&n); err != nil {
		return 0, fmt.Errorf("count child folders: %w", err)
	}
	return n, nil
}

// DeleteIfEmpty 锁住目录行后用一条带 NOT EXISTS 条件的 DELETE 完成检查与删除，
// 与同一目录的 Rename 互斥。
func (r *FolderRepository) DeleteIfEmpty(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := r.getOne(ctx, tx, fmt.Sprintf(`SELECT %s FROM folders WHERE id = $1 FOR UPDATE`, folderColumns), id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM folders f
	WHERE f.id = $1
	  AND NOT EXISTS (SELECT 1 FROM folders c WHERE c.parent_path = f.path)
	  AND NOT EXISTS (SELECT 1 FROM files x WHERE x.path = f.path AND x.purged = FALSE)`, id)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotEmpty
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func scanFolder(rs rowScanner) (*repository.FolderRecord, error) {
	var f repository.FolderRecord
	if err := rs.Scan(&f.ID, &f.Name, &f.Path, &f.ParentPath, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}
