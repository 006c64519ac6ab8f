package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New 根据级别与格式（json|text）创建结构化日志器，并设为全局默认。
func New(level, format string) *slog.Logger {
	logger := NewWithWriter(os.Stdout, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewWithWriter 与 New 相同，但输出到指定 writer，不修改全局默认日志器。
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "assetvault")
}

// ParseLevel 把字符串级别转换为 slog.Level，未知值按 info 处理。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard 返回丢弃全部输出的日志器，测试中使用。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
