package stats

import (
	"context"
	"testing"
	"time"

	"jikkyo/internal/testutil"

	"go.uber.org/zap"
)

func newTestService(t *testing.T) *service {
	t.Helper()
	redisP, _ := testutil.OpenRedis(t)
	return NewService(redisP, zap.NewNop()).(*service)
}

func TestViewers_NeverNegative(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.IncrViewers(ctx, "jk211"); err != nil {
		t.Fatalf("IncrViewers failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.DecrViewers(ctx, "jk211"); err != nil {
			t.Fatalf("DecrViewers failed: %v", err)
		}
	}
	n, err := svc.Viewers(ctx, "jk211")
	if err != nil {
		t.Fatalf("Viewers failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 viewers, got %d", n)
	}

	if _, err := svc.DecrViewers(ctx, "jk999"); err != nil {
		t.Fatalf("DecrViewers on missing field failed: %v", err)
	}
	if n, _ := svc.Viewers(ctx, "jk999"); n != 0 {
		t.Fatalf("expected 0 viewers for missing field, got %d", n)
	}
}

func TestViewers_ResetAndCount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.IncrViewers(ctx, "jk1")
	svc.IncrViewers(ctx, "jk1")
	if n, _ := svc.Viewers(ctx, "jk1"); n != 2 {
		t.Fatalf("expected 2 viewers, got %d", n)
	}

	if err := svc.ResetViewers(ctx, []string{"jk1", "jk2"}); err != nil {
		t.Fatalf("ResetViewers failed: %v", err)
	}
	if n, _ := svc.Viewers(ctx, "jk1"); n != 0 {
		t.Fatalf("expected reset to 0, got %d", n)
	}
}

func TestMomentum_TrailingMinute(t *testing.T) {
	svc := newTestService(t)
	svc.pruneRoll = func() float64 { return 0 }
	ctx := context.Background()
	now := time.Unix(1_800_000_000, 0)

	svc.RecordComment(ctx, "jk211", 1, now.Add(-90*time.Second))
	svc.RecordComment(ctx, "jk211", 2, now.Add(-30*time.Second))
	svc.RecordComment(ctx, "jk211", 3, now.Add(-1*time.Second))
	svc.RecordComment(ctx, "jk5", 4, now)

	n, err := svc.Momentum(ctx, "jk211", now)
	if err != nil {
		t.Fatalf("Momentum failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 comments in window, got %d", n)
	}

	card, err := svc.redisP.Client.ZCard(ctx, svc.momentumKey("jk211")).Result()
	if err != nil {
		t.Fatalf("ZCard failed: %v", err)
	}
	if card != 2 {
		t.Fatalf("expected stale entry to be pruned, got %d entries", card)
	}
}
