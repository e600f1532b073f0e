// Package testutil opens throwaway stores for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"jikkyo/internal/providers/redis"
)

// CounterTableDDL creates comment_counters for packages that cannot import its model.
const CounterTableDDL = `CREATE TABLE IF NOT EXISTS comment_counters (
	thread_id INTEGER PRIMARY KEY,
	max_no INTEGER NOT NULL DEFAULT 0
)`

// OpenSQLite returns a file-backed SQLite database migrated for models.
// A single connection serializes transactions the way row locks do on PostgreSQL.
func OpenSQLite(t *testing.T, models ...interface{}) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=off"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate: %v", err)
		}
	}
	return db
}

// OpenRedis starts a miniredis server and wraps it in a provider.
func OpenRedis(t *testing.T) (*redis.RedisProvider, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return redis.NewRedisProviderFromClient(client, "test", zap.NewNop()), mr
}
