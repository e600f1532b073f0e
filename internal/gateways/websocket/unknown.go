package websocket

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	unknownChannelLogInterval = 60 * time.Second
	unknownChannelTopN        = 10
)

// UnknownChannelLog counts rejected connections per channel id and reports
// them as one summary line per interval.
type UnknownChannelLog struct {
	interval time.Duration
	topN     int
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu        sync.Mutex
	counts    map[string]int
	lastFlush time.Time
}

func NewUnknownChannelLog(logger *zap.Logger) *UnknownChannelLog {
	return &UnknownChannelLog{
		interval: unknownChannelLogInterval,
		topN:     unknownChannelTopN,
		logger:   logger.Sugar(),
		now:      time.Now,
		counts:   make(map[string]int),
	}
}

func (u *UnknownChannelLog) Record(channelKey string) {
	u.mu.Lock()
	now := u.now()
	u.counts[channelKey]++
	if u.lastFlush.IsZero() {
		u.lastFlush = now
	}
	total, details, due := u.takeIfDue(now, false)
	u.mu.Unlock()

	if due {
		u.emit(total, details)
	}
}

// Run flushes on a ticker so a burst followed by silence is still reported.
func (u *UnknownChannelLog) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			total, details, due := u.takeIfDue(u.now(), true)
			u.mu.Unlock()
			if due {
				u.emit(total, details)
			}
		}
	}
}

// takeIfDue snapshots and resets the counts once the interval has passed.
// Caller holds mu.
func (u *UnknownChannelLog) takeIfDue(now time.Time, skipEmpty bool) (int, string, bool) {
	if now.Sub(u.lastFlush) < u.interval {
		return 0, "", false
	}
	if skipEmpty && len(u.counts) == 0 {
		return 0, "", false
	}

	snapshot := u.counts
	u.counts = make(map[string]int)
	u.lastFlush = now

	total, details := summarize(snapshot, u.topN)
	return total, details, true
}

func (u *UnknownChannelLog) emit(total int, details string) {
	u.logger.Warnw(fmt.Sprintf("Rejected unknown channel requests in last %d seconds", int(u.interval.Seconds())),
		"total", total,
		"details", details,
	)
}

// summarize renders "jkX: n, jkY: m" for the topN ids by count, or "none".
func summarize(counts map[string]int, topN int) (int, string) {
	type entry struct {
		channel string
		count   int
	}

	total := 0
	entries := make([]entry, 0, len(counts))
	for ch, n := range counts {
		total += n
		entries = append(entries, entry{ch, n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].channel < entries[j].channel
	})
	if len(entries) > topN {
		entries = entries[:topN]
	}

	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s: %d", e.channel, e.count))
	}
	if len(parts) == 0 {
		return total, "none"
	}
	return total, strings.Join(parts, ", ")
}
