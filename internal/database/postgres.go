package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dbmigrations "assetvault/db/migrations"
	"assetvault/internal/config"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Connect 建立到 PostgreSQL 的连接并执行基础健康检查。
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	db, err := Open(ctx, cfg.PostgresDSN())
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("postgres connected",
			slog.String("host", cfg.DBHost),
			slog.Int("port", cfg.DBPort),
			slog.String("database", cfg.DBName),
		)
	}
	return db, nil
}

// Open 使用 pgx stdlib 驱动打开连接池并 ping 一次。
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	db.SetMaxOpenConns(15)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// Direction 是迁移方向。
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Migrate 用 golang-migrate 执行内嵌的迁移脚本。Up 应用全部，Down 回滚一步。
// url 使用 pgx5:// 协议，见 config.MigrateURL。
func Migrate(url string, dir Direction, logger *slog.Logger) error {
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	switch dir {
	case Up:
		err = m.Up()
	case Down:
		err = m.Steps(-1)
	default:
		return fmt.Errorf("unknown migration direction %q", dir)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations (%s): %w", dir, err)
	}

	version, dirty, verr := m.Version()
	if logger != nil {
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			logger.Warn("read migration version failed", slog.Any("error", verr))
		} else {
			logger.Info("migrations applied",
				slog.String("direction", string(dir)),
				slog.Uint64("version", uint64(version)),
				slog.Bool("dirty", dirty),
			)
		}
	}
	return nil
}
