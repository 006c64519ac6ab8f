package main

import (
	"fmt"
	"log/slog"
	"os"

	"assetvault/internal/config"
	"assetvault/internal/database"
	"assetvault/internal/logging"
)

// 用法: migrate [up|down]，默认 up；down 只回滚一步。
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	dir := database.Up
	if len(os.Args) > 1 {
		dir = database.Direction(os.Args[1])
	}
	if dir != database.Up && dir != database.Down {
		logger.Error("unknown direction, expected up or down", slog.String("direction", string(dir)))
		os.Exit(2)
	}

	if err := database.Migrate(cfg.MigrateURL(), dir, logger); err != nil {
		logger.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
}
