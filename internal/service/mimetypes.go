package service

import (
	"mime"
	"net/http"
	"strings"
)

const defaultMime = "application/octet-stream"

var imageMimes = map[string]struct{}{
	"image/jpeg":    {},
	"image/png":     {},
	"image/gif":     {},
	"image/webp":    {},
	"image/svg+xml": {},
	"image/bmp":     {},
	"image/avif":    {},
	"image/x-icon":  {},
}

var videoMimes = map[string]struct{}{
	"video/mp4":        {},
	"video/webm":       {},
	"video/ogg":        {},
	"video/quicktime":  {},
	"video/x-matroska": {},
	"video/mpeg":       {},
}

// 系统 mime 表在精简镜像里经常缺项，常见媒体扩展名自带一份。
var extensionMimes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"bmp":  "image/bmp",
	"avif": "image/avif",
	"ico":  "image/x-icon",
	"mp4":  "video/mp4",
	"m4v":  "video/mp4",
	"webm": "video/webm",
	"ogv":  "video/ogg",
	"mov":  "video/quicktime",
	"mkv":  "video/x-matroska",
	"mpeg": "video/mpeg",
	"mpg":  "video/mpeg",
	"pdf":  "application/pdf",
	"txt":  "text/plain",
	"json": "application/json",
	"zip":  "application/zip",
}

// NormalizeMime 去掉参数并转小写，例如 "Image/PNG; charset=x" -> "image/png"。
func NormalizeMime(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if mediaType, _, err := mime.ParseMediaType(raw); err == nil {
		return mediaType
	}
	if idx := strings.IndexByte(raw, ';'); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// MimeFromExtension 按扩展名（不含点）推断类型，未知返回空串。
func MimeFromExtension(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" {
		return ""
	}
	if m, ok := extensionMimes[ext]; ok {
		return m
	}
	return NormalizeMime(mime.TypeByExtension("." + ext))
}

// DetectMime 依次采用：上传头部声明、内容嗅探、扩展名。
func DetectMime(declared string, head []byte, ext string) string {
	if m := NormalizeMime(declared); m != "" && m != defaultMime {
		return m
	}
	if len(head) > 0 {
		if sniffed := NormalizeMime(http.DetectContentType(head)); sniffed != defaultMime && sniffed != "text/plain" {
			return sniffed
		}
	}
	if m := MimeFromExtension(ext); m != "" {
		return m
	}
	if len(head) > 0 {
		return NormalizeMime(http.DetectContentType(head))
	}
	return defaultMime
}

// Classify 根据白名单给出 is_image / is_video 标志，其余类型视为普通文档。
func Classify(mimeType string) (isImage, isVideo bool) {
	m := NormalizeMime(mimeType)
	if _, ok := imageMimes[m]; ok {
		return true, false
	}
	if _, ok := videoMimes[m]; ok {
		return false, true
	}
	return false, false
}

// isMediaMime 决定预览时是否 inline。
func isMediaMime(mimeType string) bool {
	img, vid := Classify(mimeType)
	return img || vid
}
