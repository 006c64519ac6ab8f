package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"assetvault/internal/api"
	"assetvault/internal/config"
	"assetvault/internal/database"
	"assetvault/internal/imaging"
	"assetvault/internal/logging"
	avmiddleware "assetvault/internal/middleware"
	"assetvault/internal/repository"
	"assetvault/internal/repository/memory"
	"assetvault/internal/repository/postgres"
	"assetvault/internal/service"
	"assetvault/internal/storage"
	"assetvault/internal/storage/gcs"
	"assetvault/internal/storage/local"
	memstore "assetvault/internal/storage/memory"
	"assetvault/internal/storage/s3"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files, folders, db, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	store, closeStore, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("storage ready", slog.String("driver", cfg.StorageDriver))

	cache := service.NewRecordCache(cfg.MetadataCacheSize, cfg.MetadataCacheTTL)
	folderSvc := service.NewFolderService(folders, files, logger)
	uploadSvc := service.NewUploadService(files, folderSvc, store, service.UploadOptions{
		Concurrency:   cfg.UploadConcurrency,
		MaxFileSize:   cfg.MaxUploadSize,
		Timeout:       cfg.UploadTimeout,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)
	catalogSvc := service.NewCatalogService(files, folderSvc, store, cache, logger)
	lifecycleSvc := service.NewLifecycleService(files, store, cache, cfg.CleanupBatchSize, logger)
	deliverySvc := service.NewDeliveryService(files, store, cache, logger)
	pipeline := imaging.NewPipeline(imaging.Config{
		MaxBytes:       cfg.ImageMaxBytes,
		MaxPixels:      cfg.ImageMaxPixels,
		MinDimension:   cfg.ImageMinDimension,
		Timeout:        cfg.ImageTransformTimeout,
		DefaultQuality: cfg.ImageDefaultQuality,
	}, logger)

	var scheduler *service.LifecycleScheduler
	if cfg.CleanupSchedule != "" {
		scheduler, err = service.NewLifecycleScheduler(lifecycleSvc, cfg.CleanupSchedule, 10*time.Minute, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	auth, closeAuth, err := buildAuth(cfg, logger)
	if err != nil {
		return err
	}
	defer closeAuth()

	var pinger api.Pinger
	if db != nil {
		pinger = db
	}

	router := api.NewRouter(cfg, api.Handlers{
		Files:       api.NewFileHandler(uploadSvc, catalogSvc, cfg.MaxUploadSize, logger),
		Folders:     api.NewFolderHandler(folderSvc, logger),
		Maintenance: api.NewMaintenanceHandler(lifecycleSvc, logger),
		Delivery:    api.NewDeliveryHandler(deliverySvc, pipeline, logger),
	}, auth, pinger, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	logger.Info("server stopped")
	return nil
}

// openRepositories 按 DB_DRIVER 选择元数据存储。memory 模式下返回的 *sql.DB 为 nil。
func openRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.FileRepository, repository.FolderRepository, *sql.DB, error) {
	if cfg.DBDriver == "memory" {
		logger.Warn("using in-memory metadata store, data is lost on restart")
		mem := memory.New()
		return mem.Files(), mem.Folders(), nil, nil
	}

	if cfg.DBAutoMigrate {
		if err := database.Migrate(cfg.MigrateURL(), database.Up, logger); err != nil {
			return nil, nil, nil, err
		}
	}

	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return postgres.NewFileRepository(db), postgres.NewFolderRepository(db), db, nil
}

// openStorage 按 STORAGE_DRIVER 创建对象存储，并返回关闭时释放客户端的回调。
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Storage, func(), error) {
	switch cfg.StorageDriver {
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "gcs":
		store, err := gcs.New(ctx, gcs.Config{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			Endpoint:        cfg.GCSEndpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("close gcs client", slog.Any("error", err))
			}
		}, nil
	case "memory":
		return memstore.New(), func() {}, nil
	default:
		return local.New(cfg.StorageDir, cfg.PublicBaseURL), func() {}, nil
	}
}

// buildAuth 返回管理接口的鉴权中间件，以及释放后台资源的回调。
func buildAuth(cfg *config.Config, logger *slog.Logger) (func(http.Handler) http.Handler, func(), error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		logger.Info("management endpoints require an API key", slog.Int("keys", len(cfg.APIKeys)))
		return avmiddleware.APIKeyAuth(cfg.APIKeys), func() {}, nil
	case config.AuthModeJWT:
		jwtAuth, err := avmiddleware.NewJWTAuth(avmiddleware.JWTConfig{
			JWKSURL:    cfg.JWTJWKSURL,
			HMACSecret: cfg.JWTHMACSecret,
			Leeway:     30 * time.Second,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return jwtAuth.Middleware(), jwtAuth.Close, nil
	default:
		logger.Warn("management endpoints are not authenticated")
		return nil, func() {}, nil
	}
}
