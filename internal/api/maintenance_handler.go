package api

import (
	"log/slog"
	"net/http"

	"assetvault/internal/service"
)

// MaintenanceHandler 暴露过期清理的手动触发与统计。
type MaintenanceHandler struct {
	lifecycle *service.LifecycleService
	logger    *slog.Logger
}

func NewMaintenanceHandler(lifecycle *service.LifecycleService, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{lifecycle: lifecycle, logger: logger.With(slog.String("component", "api.maintenance"))}
}

// Cleanup 同步执行一批清理。
func (h *MaintenanceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.lifecycle.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Stats 返回已过期未回收与 24 小时内即将过期的统计。
func (h *MaintenanceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.lifecycle.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
