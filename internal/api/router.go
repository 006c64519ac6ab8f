package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"assetvault/internal/config"
	avmiddleware "assetvault/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger 用于健康检查，*sql.DB 满足该接口。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handlers 聚合各组端点。为 nil 的组不注册。
type Handlers struct {
	Files       *FileHandler
	Folders     *FolderHandler
	Maintenance *MaintenanceHandler
	Delivery    *DeliveryHandler
}

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
// auth 只包裹管理类接口；/files/{key...} 与 /images/{key...} 的投递始终公开。
func NewRouter(cfg *config.Config, h Handlers, auth func(http.Handler) http.Handler, db Pinger, logger *slog.Logger) http.Handler {
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(avmiddleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(avmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(avmiddleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
	r.Use(avmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/files", func(r chi.Router) {
		if h.Files != nil {
			r.With(auth).Get("/", h.Files.List)
			r.With(auth).Post("/", h.Files.Upload)
			r.With(auth).Put("/{id}", h.Files.Update)
			r.With(auth).Delete("/{id}", h.Files.Delete)
		}
		if h.Delivery != nil {
			// key 可以包含 "/"，用通配段承接
			r.Get("/*", h.Delivery.ServeFile)
			r.Head("/*", h.Delivery.ServeFile)
		}
	})

	if h.Delivery != nil {
		r.Get("/images/*", h.Delivery.ServeImage)
		r.Head("/images/*", h.Delivery.ServeImage)
	}

	if h.Folders != nil {
		r.Route("/folders", func(r chi.Router) {
			r.Use(auth)
			r.Get("/", h.Folders.List)
			r.Post("/", h.Folders.Create)
			r.Put("/{id}", h.Folders.Rename)
			r.Delete("/{id}", h.Folders.Delete)
		})
	}

	if h.Maintenance != nil {
		r.Route("/maintenance", func(r chi.Router) {
			r.Use(auth)
			r.Get("/cleanup", h.Maintenance.Stats)
			r.Post("/cleanup", h.Maintenance.Cleanup)
		})
	}

	return r
}
