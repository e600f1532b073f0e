package websocket

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSummarize(t *testing.T) {
	counts := map[string]int{"jk999": 3, "jk5": 7, "foo": 3, "jk1": 1}

	total, details := summarize(counts, 3)
	if total != 14 {
		t.Errorf("total = %d, want 14", total)
	}
	if want := "jk5: 7, foo: 3, jk999: 3"; details != want {
		t.Errorf("details = %q, want %q", details, want)
	}

	if _, details := summarize(map[string]int{}, 10); details != "none" {
		t.Errorf("empty details = %q, want none", details)
	}
}

func TestUnknownChannelLog_EmitsOncePerInterval(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	u := NewUnknownChannelLog(zap.New(core))

	now := time.Unix(1700000000, 0)
	u.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		u.Record("jk999")
	}
	u.Record("jk5")
	if logs.Len() != 0 {
		t.Fatalf("expected no log before the interval, got %d", logs.Len())
	}

	now = now.Add(61 * time.Second)
	u.Record("jk999")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one summary line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["total"] != int64(7) {
		t.Errorf("total = %v, want 7", fields["total"])
	}
	if fields["details"] != "jk999: 6, jk5: 1" {
		t.Errorf("details = %v", fields["details"])
	}

	// counts were reset by the flush
	u.mu.Lock()
	remaining := len(u.counts)
	u.mu.Unlock()
	if remaining != 0 {
		t.Errorf("counts not reset, %d keys left", remaining)
	}
}
