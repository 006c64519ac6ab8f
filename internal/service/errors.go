package service

import (
	"errors"
	"fmt"
)

// Kind 是对外暴露的稳定错误类别。
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindGone                Kind = "Gone"
	KindConflict            Kind = "Conflict"
	KindNotEmpty            Kind = "NotEmpty"
	KindBadRequest          Kind = "BadRequest"
	KindRangeNotSatisfiable Kind = "RangeNotSatisfiable"
	KindStorageFailure      Kind = "StorageFailure"
	KindIntegrityMismatch   Kind = "IntegrityMismatch"
	KindInternal            Kind = "Internal"
)

// Error 携带错误类别与给用户看的说明，Err 保留底层原因。
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 提取错误类别，非 *Error 一律视为 Internal。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf 返回适合直接展示给调用方的说明文字。
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return "internal error"
}
