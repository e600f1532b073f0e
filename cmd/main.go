// Command maintenance creates the daily threads and reconciles comment
// counters once, then exits.
package main

import (
	"context"
	"log"
	"time"

	"jikkyo/internal/app"
	"jikkyo/internal/config"
	"jikkyo/internal/scheduler"
	"jikkyo/internal/utils"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	utils.LoadEnv(logger)

	cfg := config.LoadConfig()
	cfg.ImportEnabled = false

	logger.Info("Config loaded",
		zap.String("db_host", cfg.DBHost),
		zap.String("redis_url", cfg.RedisURL),
		zap.String("env", cfg.Env),
	)

	application, err := app.Bootstrap(&cfg, logger)
	if err != nil {
		logger.Fatal("Failed to bootstrap application", zap.Error(err))
	}

	jobs := []scheduler.Job{
		{Name: "ensure_daily_threads", Run: application.Threads.EnsureDailyThreads},
		{Name: "sync_comment_counters", Run: application.Comments.SyncCommentCounters},
	}
	failed := false
	for _, job := range jobs {
		if err := application.Scheduler.RunNow(job); err != nil {
			failed = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}

	if failed {
		logger.Fatal("Maintenance finished with errors")
	}
	logger.Info("Maintenance finished")
}
