package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"assetvault/internal/repository"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// NewFileRepository 返回基于 *sql.DB 的 Postgres 实现。
func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

// FileRepository 实现 repository.FileRepository。
type FileRepository struct {
	db *sql.DB
}

var fileSelectColumns = []string{
	"id",
	"storage_key",
	"filename",
	"path",
	"mime_type",
	"extension",
	"size",
	"is_image",
	"is_video",
	"thumbnail_key",
	"expires_at",
	"is_expired",
	"purged",
	"purged_at",
	"upload_user",
	"created_at",
	"updated_at",
}

var fileInsertColumns = []string{
	"storage_key",
	"filename",
	"path",
	"mime_type",
	"extension",
	"size",
	"is_image",
	"is_video",
	"thumbnail_key",
	"expires_at",
	"upload_user",
	"created_at",
	"updated_at",
}

var selectList = strings.Join(fileSelectColumns, ",")

// Create 插入文件记录并返回数据库生成的 id。
func (r *FileRepository) Create(ctx context.Context, record *repository.FileRecord) (*repository.FileRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("file record is nil")
	}

	placeholders := make([]string, len(fileInsertColumns))
	for i := range fileInsertColumns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO files (%s)
	VALUES (%s)
	RETURNING %s`,
		strings.Join(fileInsertColumns, ","),
		strings.Join(placeholders, ","),
		selectList,
	)

	row := r.db.QueryRowContext(
		ctx,
		query,
		record.StorageKey,
		record.Filename,
		record.Path,
		record.MimeType,
		record.Extension,
		record.Size,
		record.IsImage,
		record.IsVideo,
		nullString(record.ThumbnailKey),
		nullTime(record.ExpiresAt),
		record.UploadUser,
		record.CreatedAt,
		record.UpdatedAt,
	)

	created, err := scanFileRecord(row)
	if err != nil {
		return nil, translateError(err)
	}
	return created, nil
}

// GetByID 通过主键查询未 purge 的文件记录。
func (r *FileRepository) GetByID(ctx context.Context, id int64) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1 AND purged = FALSE`, selectList)
	return r.getOne(ctx, query, id)
}

// GetByKey 通过 storage key 查询未 purge 的文件记录。
func (r *FileRepository) GetByKey(ctx context.Context, key string) (*repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE storage_key = $1 AND purged = FALSE`, selectList)
	return r.getOne(ctx, query, key)
}

func (r *FileRepository) getOne(ctx context.Context, query string, arg any) (*repository.FileRecord, error) {
	file, err := scanFileRecord(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return file, nil
}

// List 按目录、类型、文件名过滤并分页，同时返回满足条件的总数。
func (r *FileRepository) List(ctx context.Context, params repository.ListFilesParams) ([]repository.FileRecord, int, error) {
	where, args := buildListWhere(params)

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM files %s`, where)
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, params.Offset())
	query := fmt.Sprintf(`SELECT %s FROM files %s %s LIMIT $%d OFFSET $%d`,
		selectList, where, buildOrderBy(params), len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	result, err := collectFileRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

// Update 修改文件名、路径或过期时间。已过期记录不允许再修改过期时间。
func (r *FileRepository) Update(ctx context.Context, id int64, update repository.FileUpdate, now time.Time) (*repository.FileRecord, error) {
	sets := []string{"updated_at = $1"}
	args := []any{now}

	if update.Filename != nil {
		args = append(args, *update.Filename)
		sets = append(sets, fmt.Sprintf("filename = $%d", len(args)))
	}
	if update.Path != nil {
		args = append(args, *update.Path)
		sets = append(sets, fmt.Sprintf("path = $%d", len(args)))
	}
	guard := ""
	if update.SetExpiry {
		args = append(args, nullTime(update.ExpiresAt))
		sets = append(sets, fmt.Sprintf("expires_at = $%d", len(args)))
		guard = " AND is_expired = FALSE"
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE files SET %s WHERE id = $%d AND purged = FALSE%s RETURNING %s`,
		strings.Join(sets, ", "), len(args), guard, selectList)

	updated, err := scanFileRecord(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if update.SetExpiry {
		if _, lookupErr := r.GetByID(ctx, id); lookupErr == nil {
			return nil, repository.ErrInvalidTransition
		}
	}
	return nil, repository.ErrNotFound
}

// Transition 单行原子更新生命周期标志位，purged 只会从 false 变为 true。
func (r *FileRepository) Transition(ctx context.Context, id int64, to repository.FileState, at time.Time) error {
	var query string
	switch to {
	case repository.StateExpired:
		query = `UPDATE files SET is_expired = TRUE, updated_at = $2 WHERE id = $1 AND purged = FALSE`
	case repository.StatePurged:
		query = `UPDATE files SET is_expired = TRUE, purged = TRUE, purged_at = $2, updated_at = $2
		WHERE id = $1 AND purged = FALSE`
	default:
		return repository.ErrInvalidTransition
	}

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ListExpired 取出一批到期但尚未 purge 的记录。
func (r *FileRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]repository.FileRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM files
	WHERE expires_at IS NOT NULL AND expires_at <= $1 AND purged = FALSE
	ORDER BY expires_at ASC, id ASC
	LIMIT $2`, selectList)

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired files: %w", err)
	}
	defer rows.Close()

	return collectFileRecords(rows)
}

// ExpiryStats 统计已到期未回收的文件数量与体积，以及 horizon 之前即将到期的数量。
func (r *FileRepository) ExpiryStats(ctx context.Context, now, horizon time.Time) (repository.ExpiryStats, error) {
	const query = `SELECT
		COUNT(*) FILTER (WHERE expires_at <= $1),
		COALESCE(SUM(size) FILTER (WHERE expires_at <= $1), 0),
		COUNT(*) FILTER (WHERE expires_at > $1 AND expires_at <= $2 AND is_expired = FALSE)
	FROM files
	WHERE purged = FALSE AND expires_at IS NOT NULL`

	var stats repository.ExpiryStats
	err := r.db.QueryRowContext(ctx, query, now, horizon).Scan(
		&stats.ExpiredCount,
		&stats.ExpiredSize,
		&stats.ExpiringSoon,
	)
	if err != nil {
		return repository.ExpiryStats{}, fmt.Errorf("expiry stats: %w", err)
	}
	return stats, nil
}

// CountInPath 统计直接位于 path 下的未 purge 文件数。
func (r *FileRepository) CountInPath(ctx context.Context, path string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE path = $1 AND purged = FALSE`, path).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count files in path: %w", err)
	}
	return n, nil
}

// Delete 物理删除记录行。
func (r *FileRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func buildListWhere(params repository.ListFilesParams) (string, []any) {
	conditions := []string{"purged = FALSE"}
	var args []any

	if params.Path != "" {
		args = append(args, params.Path)
		conditions = append(conditions, fmt.Sprintf("path = $%d", len(args)))
	}

	switch params.Type {
	case repository.FileTypeImage:
		conditions = append(conditions, "is_image = TRUE")
	case repository.FileTypeVideo:
		conditions = append(conditions, "is_video = TRUE")
	case repository.FileTypeDocument:
		conditions = append(conditions, "is_image = FALSE AND is_video = FALSE")
	}

	if search := strings.TrimSpace(params.Search); search != "" {
		args = append(args, "%"+likeEscaper.Replace(search)+"%")
		conditions = append(conditions, fmt.Sprintf("filename ILIKE $%d", len(args)))
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func buildOrderBy(params repository.ListFilesParams) string {
	column := "created_at"
	switch params.SortBy {
	case repository.SortByFilename:
		column = "filename"
	case repository.SortBySize:
		column = "size"
	}

	direction := "DESC"
	if params.Ascending {
		direction = "ASC"
	}
	return fmt.Sprintf("ORDER BY %s %s, id %s", column, direction, direction)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(rs rowScanner) (*repository.FileRecord, error) {
	var (
		rec          repository.FileRecord
		thumbnailKey sql.NullString
		expiresAt    sql.NullTime
		purgedAt     sql.NullTime
	)

	if err := rs.Scan(
		&rec.ID,
		&rec.StorageKey,
		&rec.Filename,
		&rec.Path,
		&rec.MimeType,
		&rec.Extension,
		&rec.Size,
		&rec.IsImage,
		&rec.IsVideo,
		&thumbnailKey,
		&expiresAt,
		&rec.IsExpired,
		&rec.Purged,
		&purgedAt,
		&rec.UploadUser,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if thumbnailKey.Valid {
		rec.ThumbnailKey = &thumbnailKey.String
	}
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if purgedAt.Valid {
		rec.PurgedAt = &purgedAt.Time
	}
	return &rec, nil
}

func collectFileRecords(rows *sql.Rows) ([]repository.FileRecord, error) {
	result := []repository.FileRecord{}
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func expectAffected(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// translateError 把唯一约束冲突映射为 repository.ErrConflict。
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}
