package repository

import "errors"

var (
	// ErrNotFound 表示目标记录不存在（或已被 purge）。
	ErrNotFound = errors.New("repository: record not found")
	// ErrConflict 表示唯一约束冲突，例如重复的目录路径或 storage key。
	ErrConflict = errors.New("repository: unique constraint violated")
	// ErrNotEmpty 表示目录下仍有子目录或未 purge 的文件。
	ErrNotEmpty = errors.New("repository: folder is not empty")
	// ErrInvalidTransition 表示生命周期状态试图回退。
	ErrInvalidTransition = errors.New("repository: invalid lifecycle transition")
)
