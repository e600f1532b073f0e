package thread

import (
	"context"
	"testing"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/testutil"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupRegistry(t *testing.T, now time.Time, channels ...channel.Channel) (*service, *gorm.DB) {
	t.Helper()

	db := testutil.OpenSQLite(t, &channel.Channel{}, &Thread{})
	if err := db.Exec(testutil.CounterTableDDL).Error; err != nil {
		t.Fatalf("failed to create counters table: %v", err)
	}

	channelRepo := channel.NewRepository(db)
	for i := range channels {
		if _, _, err := channelRepo.Upsert(context.Background(), &channels[i]); err != nil {
			t.Fatalf("failed to seed channel: %v", err)
		}
	}

	svc := newService(NewRepository(db), channelRepo, zap.NewNop(), func() time.Time { return now })
	return svc, db
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.Table(table).Count(&n).Error; err != nil {
		t.Fatalf("failed to count %s: %v", table, err)
	}
	return n
}

func TestEnsureDailyThreads_Idempotent(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, Location)
	svc, db := setupRegistry(t, now,
		channel.Channel{ID: 211, Name: "BS11"},
		channel.Channel{ID: 200, Name: "BS10"},
		channel.Channel{ID: 263, Name: "BSJapanext"},
	)
	ctx := context.Background()

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	// two non-alias channels, today and tomorrow each
	if got := countRows(t, db, "threads"); got != 4 {
		t.Fatalf("expected 4 threads, got %d", got)
	}

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := countRows(t, db, "threads"); got != 4 {
		t.Fatalf("expected no duplicates after second run, got %d", got)
	}
	if got := countRows(t, db, "comment_counters"); got != 4 {
		t.Fatalf("expected a counter per thread, got %d", got)
	}

	var aliasThreads int64
	db.Model(&Thread{}).Where("channel_id = ?", 263).Count(&aliasThreads)
	if aliasThreads != 0 {
		t.Fatalf("expected alias channel to be skipped, got %d threads", aliasThreads)
	}
}

func TestEnsureDailyThreads_WindowsAndTitle(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, Location)
	svc, _ := setupRegistry(t, now, channel.Channel{ID: 211, Name: "BS11"})
	ctx := context.Background()

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("EnsureDailyThreads failed: %v", err)
	}

	active, err := svc.GetActiveThread(ctx, 211, now)
	if err != nil || active == nil {
		t.Fatalf("expected active thread, got %v (%v)", active, err)
	}
	wantStart := time.Date(2026, 10, 17, 4, 0, 0, 0, Location)
	if !active.StartAt.Equal(wantStart) {
		t.Fatalf("expected start %s, got %s", wantStart, active.StartAt)
	}
	if !active.EndAt.Equal(wantStart.Add(24 * time.Hour)) {
		t.Fatalf("expected 24h window, got end %s", active.EndAt)
	}
	if active.Duration != 86400 {
		t.Fatalf("expected duration 86400, got %d", active.Duration)
	}
	if active.Title != "BS11【NX-Jikkyo】2026年10月17日" {
		t.Fatalf("unexpected title: %s", active.Title)
	}
}

func TestEnsureDailyThreads_BridgingBeforeBoundary(t *testing.T) {
	now := time.Date(2026, 10, 17, 2, 30, 0, 0, Location)
	svc, db := setupRegistry(t, now, channel.Channel{ID: 211, Name: "BS11"})
	ctx := context.Background()

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("EnsureDailyThreads failed: %v", err)
	}
	if got := countRows(t, db, "threads"); got != 3 {
		t.Fatalf("expected today, tomorrow and bridging threads, got %d", got)
	}

	active, err := svc.GetActiveThread(ctx, 211, now)
	if err != nil || active == nil {
		t.Fatalf("expected bridging thread to be active, got %v (%v)", active, err)
	}
	boundary := time.Date(2026, 10, 17, 4, 0, 0, 0, Location)
	if !active.EndAt.Equal(boundary) {
		t.Fatalf("expected bridging thread to end at %s, got %s", boundary, active.EndAt)
	}

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := countRows(t, db, "threads"); got != 3 {
		t.Fatalf("expected bridging thread not to be duplicated, got %d", got)
	}
}

func TestGetActiveThread_CacheRefreshesAfterEnd(t *testing.T) {
	now := time.Date(2026, 10, 17, 10, 0, 0, 0, Location)
	svc, db := setupRegistry(t, now, channel.Channel{ID: 211, Name: "BS11"})
	ctx := context.Background()

	if err := svc.EnsureDailyThreads(ctx); err != nil {
		t.Fatalf("EnsureDailyThreads failed: %v", err)
	}
	first, err := svc.GetActiveThread(ctx, 211, now)
	if err != nil || first == nil {
		t.Fatalf("expected active thread, got %v (%v)", first, err)
	}

	// served from cache even though the row is gone
	db.Exec("DELETE FROM threads WHERE id = ?", first.ID)
	cached, err := svc.GetActiveThread(ctx, 211, now.Add(time.Hour))
	if err != nil || cached == nil || cached.ID != first.ID {
		t.Fatalf("expected cached thread %d, got %v (%v)", first.ID, cached, err)
	}

	next, err := svc.GetActiveThread(ctx, 211, first.EndAt.Add(time.Minute))
	if err != nil || next == nil {
		t.Fatalf("expected tomorrow's thread after end, got %v (%v)", next, err)
	}
	if next.ID == first.ID {
		t.Fatal("expected cache refresh after the cached thread ended")
	}

	none, err := svc.GetActiveThread(ctx, 999, now)
	if err != nil || none != nil {
		t.Fatalf("expected nil for channel without threads, got %v (%v)", none, err)
	}
}

func TestThreadStatus(t *testing.T) {
	start := time.Date(2026, 10, 17, 4, 0, 0, 0, Location)
	th := &Thread{StartAt: start, EndAt: start.Add(24 * time.Hour)}

	if got := th.StatusAt(start.Add(-time.Minute)); got != StatusUpcoming {
		t.Fatalf("expected UPCOMING, got %s", got)
	}
	if got := th.StatusAt(start.Add(time.Hour)); got != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got)
	}
	if got := th.StatusAt(start.Add(25 * time.Hour)); got != StatusPast {
		t.Fatalf("expected PAST, got %s", got)
	}
	if !th.IsLive(start.Add(time.Hour)) || th.IsLive(start) {
		t.Fatal("unexpected IsLive result")
	}
}
