package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"assetvault/internal/repository"
	"assetvault/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

const (
	defaultSweepBatch = 100
	expiringHorizon   = 24 * time.Hour
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_sweep_runs_total",
		Help: "Number of expiration sweeps executed.",
	})
	sweepPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_sweep_purged_total",
		Help: "Records purged by the expiration sweep.",
	})
	sweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assetvault_sweep_delete_failures_total",
		Help: "Object deletes that failed during a sweep and will be retried.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assetvault_sweep_duration_seconds",
		Help:    "Duration of expiration sweeps.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// LifecycleService 负责过期文件的回收。
type LifecycleService struct {
	files     repository.FileRepository
	store     storage.Deleter
	cache     *RecordCache
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
}

func NewLifecycleService(files repository.FileRepository, store storage.Deleter, cache *RecordCache, batchSize int, logger *slog.Logger) *LifecycleService {
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}
	return &LifecycleService{
		files:     files,
		store:     store,
		cache:     cache,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "lifecycle")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepError 记录一条未能物理删除的文件，下次清理会重试。
type SweepError struct {
	ID    int64  `json:"id"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

// SweepResult 是一次清理的结果。
type SweepResult struct {
	Cleaned int          `json:"cleaned"`
	Total   int          `json:"total"`
	Errors  []SweepError `json:"errors"`
}

// Sweep 处理一批到期且未 purge 的记录。
// 对象删除成功则 purge；失败则只标记 expired，让访问立即返回 410，物理删除留给下一次。
// 多个 Sweep 并发执行是安全的：状态只会前进，重复删除对象是空操作。
func (s *LifecycleService) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	now := s.now()

	candidates, err := s.files.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		return nil, newError(KindInternal, err, "list expired files")
	}

	result := &SweepResult{Total: len(candidates), Errors: []SweepError{}}
	for i := range candidates {
		rec := &candidates[i]
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, SweepError{ID: rec.ID, Key: rec.StorageKey, Error: err.Error()})
			continue
		}

		if err := s.deleteObjects(ctx, rec); err != nil {
			sweepFailuresTotal.Inc()
			s.logger.Warn("sweep object delete failed, will retry",
				slog.Int64("id", rec.ID),
				slog.String("key", rec.StorageKey),
				slog.Any("error", err),
			)
			if terr := s.files.Transition(ctx, rec.ID, repository.StateExpired, now); terr != nil && !errors.Is(terr, repository.ErrNotFound) {
				s.logger.Error("mark expired failed", slog.Int64("id", rec.ID), slog.Any("error", terr))
			}
			s.cache.Invalidate(rec.StorageKey)
			result.Errors = append(result.Errors, SweepError{ID: rec.ID, Key: rec.StorageKey, Error: err.Error()})
			continue
		}

		err := s.files.Transition(ctx, rec.ID, repository.StatePurged, now)
		s.cache.Invalidate(rec.StorageKey)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// 另一轮清理已经 purge 过
			continue
		case err != nil:
			s.logger.Error("mark purged failed", slog.Int64("id", rec.ID), slog.Any("error", err))
			result.Errors = append(result.Errors, SweepError{ID: rec.ID, Key: rec.StorageKey, Error: err.Error()})
			continue
		}
		result.Cleaned++
	}

	sweepRunsTotal.Inc()
	sweepPurgedTotal.Add(float64(result.Cleaned))
	sweepDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("sweep finished",
		slog.Int("total", result.Total),
		slog.Int("cleaned", result.Cleaned),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (s *LifecycleService) deleteObjects(ctx context.Context, rec *repository.FileRecord) error {
	if err := s.store.Delete(ctx, rec.StorageKey); err != nil {
		return err
	}
	if rec.ThumbnailKey != nil && *rec.ThumbnailKey != "" {
		if err := s.store.Delete(ctx, *rec.ThumbnailKey); err != nil {
			return fmt.Errorf("thumbnail: %w", err)
		}
	}
	return nil
}

// Stats 返回已过期未回收的数量与总大小，以及 24 小时内即将过期的数量。
func (s *LifecycleService) Stats(ctx context.Context) (*repository.ExpiryStats, error) {
	now := s.now()
	stats, err := s.files.ExpiryStats(ctx, now, now.Add(expiringHorizon))
	if err != nil {
		return nil, newError(KindInternal, err, "expiry stats")
	}
	return &stats, nil
}

// LifecycleScheduler 按 cron 表达式周期执行 Sweep，上一轮未结束时跳过本轮。
type LifecycleScheduler struct {
	cron    *cron.Cron
	svc     *LifecycleService
	timeout time.Duration
	logger  *slog.Logger
}

// NewLifecycleScheduler 注册清理任务。schedule 支持标准五段式以及 "@every 10m" 之类的描述符。
func NewLifecycleScheduler(svc *LifecycleService, schedule string, timeout time.Duration, logger *slog.Logger) (*LifecycleScheduler, error) {
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger: logger}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &LifecycleScheduler{cron: c, svc: svc, timeout: timeout, logger: logger}

	if _, err := c.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *LifecycleScheduler) runOnce() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if _, err := s.svc.Sweep(ctx); err != nil {
		s.logger.Error("scheduled sweep failed", slog.Any("error", err))
	}
}

// Start 在后台开始调度。
func (s *LifecycleScheduler) Start() {
	s.cron.Start()
	s.logger.Info("cleanup scheduler started")
}

// Stop 停止调度并等待正在执行的清理结束，或 ctx 到期。
func (s *LifecycleScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("cleanup scheduler stop timed out")
	}
}

// cronLogger 把 cron 的日志接口适配到 slog。
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
