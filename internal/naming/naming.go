// Package naming 负责生成对象存储 key 以及规范化虚拟目录路径。
package naming

import (
	"errors"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidPath 表示目录路径包含非法片段（如 ".."）。
var ErrInvalidPath = errors.New("naming: invalid folder path")

var (
	separatorChars  = regexp.MustCompile(`[\s()\[\]{}<>（）【】]+`)
	disallowedChars = regexp.MustCompile(`[^a-zA-Z0-9\p{Han}_-]+`)
	repeatedUnders  = regexp.MustCompile(`_+`)
	extChars        = regexp.MustCompile(`[^a-z0-9]+`)
)

const fallbackBase = "file"

// NormalizePath 把任意输入整理成以 "/" 开头、无重复分隔符、无尾部斜杠的绝对路径。
// 根目录统一为 "/"。
func NormalizePath(raw string) (string, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	segments := strings.Split(raw, "/")
	kept := make([]string, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		switch seg {
		case "":
			continue
		case ".", "..":
			return "", ErrInvalidPath
		}
		kept = append(kept, seg)
	}
	if len(kept) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(kept, "/"), nil
}

// ParentPath 返回规范化路径的父目录，根目录的父目录仍是根目录。
func ParentPath(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	parent := path.Dir(p)
	if parent == "." {
		return "/"
	}
	return parent
}

// JoinPath 拼接父目录与子目录名。
func JoinPath(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

// Ancestors 返回从最外层到自身的全部路径，不含根目录。
// 例如 "/a/b" -> ["/a", "/a/b"]。
func Ancestors(p string) []string {
	if p == "/" || p == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	out := make([]string, 0, len(parts))
	current := ""
	for _, part := range parts {
		current += "/" + part
		out = append(out, current)
	}
	return out
}

// SplitExt 拆分文件名为基础名与小写扩展名（不含点）。
func SplitExt(filename string) (base, ext string) {
	filename = path.Base(strings.ReplaceAll(filename, `\`, "/"))
	dot := strings.LastIndex(filename, ".")
	if dot <= 0 || dot == len(filename)-1 {
		return strings.TrimSuffix(filename, "."), ""
	}
	return filename[:dot], strings.ToLower(filename[dot+1:])
}

// SanitizeBase 清洗文件基础名，只保留字母、数字、汉字、连字符与下划线。
func SanitizeBase(base string) string {
	out := separatorChars.ReplaceAllString(base, "_")
	out = disallowedChars.ReplaceAllString(out, "")
	out = repeatedUnders.ReplaceAllString(out, "_")
	out = strings.Trim(out, "_")
	if out == "" {
		return fallbackBase
	}
	return out
}

// StorageKey 依据原始文件名与目标目录生成对象存储 key：
// <目录>/<清洗后的名字>_<毫秒时间戳>_<随机串>.<扩展名>
// 随机串保证同一毫秒内同名上传大概率不冲突，但调用方仍需处理极少数的冲突。
func StorageKey(filename, folder string, now time.Time) string {
	base, ext := SplitExt(filename)
	ext = extChars.ReplaceAllString(ext, "")

	var b strings.Builder
	if prefix := strings.Trim(folder, "/"); prefix != "" {
		b.WriteString(prefix)
		b.WriteByte('/')
	}
	b.WriteString(SanitizeBase(base))
	b.WriteByte('_')
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	b.WriteString(randomToken())
	if ext != "" {
		b.WriteByte('.')
		b.WriteString(ext)
	}
	return b.String()
}

func randomToken() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
