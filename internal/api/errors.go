package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"assetvault/internal/service"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

var kindStatus = map[service.Kind]int{
	service.KindNotFound:            http.StatusNotFound,
	service.KindGone:                http.StatusGone,
	service.KindConflict:            http.StatusConflict,
	service.KindNotEmpty:            http.StatusBadRequest,
	service.KindBadRequest:          http.StatusBadRequest,
	service.KindRangeNotSatisfiable: http.StatusRequestedRangeNotSatisfiable,
	service.KindStorageFailure:      http.StatusBadGateway,
	service.KindIntegrityMismatch:   http.StatusNotFound,
	service.KindInternal:            http.StatusInternalServerError,
}

// StatusFor 返回错误类别对应的 HTTP 状态码。
func StatusFor(kind service.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind service.Kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: string(kind), Message: message}})
}

// writeServiceError 把 service 层错误映射为统一的错误响应。5xx 记 ERROR 日志。
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := service.KindOf(err)
	status := StatusFor(kind)
	message := service.DetailOf(err)

	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
	writeError(w, status, kind, message)
}
