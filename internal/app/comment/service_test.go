package comment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"jikkyo/internal/app/stats"
	"jikkyo/internal/app/thread"
	"jikkyo/internal/providers/redis"
	"jikkyo/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    *service
	db     *gorm.DB
	redisP *redis.RedisProvider
	mr     *miniredis.Miniredis
	thread *thread.Thread
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenSQLite(t, &thread.Thread{}, &Comment{}, &CommentCounter{})
	redisP, mr := testutil.OpenRedis(t)

	now := time.Now().UTC().Truncate(time.Second)
	th := &thread.Thread{
		ChannelID: 211,
		StartAt:   now.Add(-time.Hour),
		EndAt:     now.Add(time.Hour),
		Duration:  7200,
		Title:     "BS11",
	}
	if err := thread.NewRepository(db).CreateWithCounter(context.Background(), th); err != nil {
		t.Fatalf("failed to create thread: %v", err)
	}

	logger := zap.NewNop()
	svc := NewService(
		db,
		NewRepository(db),
		NewCounterCache(redisP, logger),
		stats.NewService(redisP, logger),
		redisP,
		ServiceConfig{},
		logger,
	).(*service)
	svc.retryWait = time.Millisecond

	return &fixture{svc: svc, db: db, redisP: redisP, mr: mr, thread: th}
}

func (f *fixture) counterRow(t *testing.T, threadID uint64) int64 {
	t.Helper()
	n, err := f.svc.repo.GetCounter(context.Background(), threadID)
	if err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return n
}

func TestPostComment_ConcurrentNumberingIsGapFree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	const posts = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		nos []int64
	)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.svc.PostComment(ctx, f.thread, PostInput{UserID: "user", Content: "hello"})
			if err != nil {
				t.Errorf("PostComment failed: %v", err)
				return
			}
			mu.Lock()
			nos = append(nos, c.No)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(nos) != posts {
		t.Fatalf("expected %d comments, got %d", posts, len(nos))
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	for i, no := range nos {
		if no != int64(i+1) {
			t.Fatalf("expected no %d at position %d, got %d (all: %v)", i+1, i, no, nos)
		}
	}

	if got := f.counterRow(t, f.thread.ID); got != posts {
		t.Fatalf("expected counter %d, got %d", posts, got)
	}
	cached, ok, err := f.svc.cache.Get(ctx, f.thread.ID)
	if err != nil || !ok || cached != posts {
		t.Fatalf("expected cached counter %d, got %d (ok=%v, err=%v)", posts, cached, ok, err)
	}
}

func TestPostComment_PublishesAndRecordsMomentum(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pubsub := f.redisP.Subscribe(ctx, f.svc.Topic(f.thread.ID))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	vpos := int64(4200)
	posted, err := f.svc.PostComment(ctx, f.thread, PostInput{
		Vpos:      &vpos,
		Mail:      "184 red",
		UserID:    "abcdef0123",
		Anonymity: true,
		Content:   "こんにちは",
	})
	if err != nil {
		t.Fatalf("PostComment failed: %v", err)
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("expected published comment: %v", err)
	}
	var chat ChatMessage
	if err := json.Unmarshal([]byte(msg.Payload), &chat); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if chat.Chat.No != posted.No || chat.Chat.Content != "こんにちは" || chat.Chat.Vpos != 4200 {
		t.Fatalf("unexpected published chat: %+v", chat.Chat)
	}
	if chat.Chat.Anonymity != 1 || chat.Chat.Mail != "184 red" {
		t.Fatalf("expected anonymity and mail to be carried, got %+v", chat.Chat)
	}

	momentum, err := f.svc.stats.Momentum(ctx, "jk211", time.Now())
	if err != nil {
		t.Fatalf("Momentum failed: %v", err)
	}
	if momentum != 1 {
		t.Fatalf("expected momentum 1, got %d", momentum)
	}
}

func TestPostComment_DerivesVposFromDate(t *testing.T) {
	f := setup(t)

	date := f.thread.StartAt.Add(12*time.Second + 340*time.Millisecond)
	c, err := f.svc.PostComment(context.Background(), f.thread, PostInput{Date: date, UserID: "u", Content: "x"})
	if err != nil {
		t.Fatalf("PostComment failed: %v", err)
	}
	if c.Vpos != 1234 {
		t.Fatalf("expected vpos 1234, got %d", c.Vpos)
	}
}

func TestPostComment_RejectsEndedThread(t *testing.T) {
	f := setup(t)

	ended := *f.thread
	ended.EndAt = time.Now().Add(-time.Minute)
	_, err := f.svc.PostComment(context.Background(), &ended, PostInput{UserID: "u", Content: "late"})
	if !errors.Is(err, ErrThreadEnded) {
		t.Fatalf("expected ErrThreadEnded, got %v", err)
	}
}

func TestPostComment_RebuildsMissingCounterRow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.svc.PostComment(ctx, f.thread, PostInput{UserID: "u", Content: "x"}); err != nil {
			t.Fatalf("PostComment failed: %v", err)
		}
	}
	if err := f.db.Exec("DELETE FROM comment_counters WHERE thread_id = ?", f.thread.ID).Error; err != nil {
		t.Fatalf("failed to delete counter: %v", err)
	}

	c, err := f.svc.PostComment(ctx, f.thread, PostInput{UserID: "u", Content: "x"})
	if err != nil {
		t.Fatalf("PostComment after counter loss failed: %v", err)
	}
	if c.No != 3 {
		t.Fatalf("expected numbering to continue at 3, got %d", c.No)
	}
}

func TestGetBacklog_OldestFirstWithCutoff(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	base := f.thread.StartAt.Add(time.Minute)
	for i := 0; i < 5; i++ {
		in := PostInput{Date: base.Add(time.Duration(i) * time.Second), UserID: "u", Content: "x"}
		if _, err := f.svc.PostComment(ctx, f.thread, in); err != nil {
			t.Fatalf("PostComment failed: %v", err)
		}
	}

	all, err := f.svc.GetBacklog(ctx, f.thread.ID, 3, nil)
	if err != nil {
		t.Fatalf("GetBacklog failed: %v", err)
	}
	if len(all) != 3 || all[0].No != 3 || all[2].No != 5 {
		t.Fatalf("expected comments 3..5 oldest first, got %v", nosOf(all))
	}

	before := base.Add(2 * time.Second)
	older, err := f.svc.GetBacklog(ctx, f.thread.ID, 10, &before)
	if err != nil {
		t.Fatalf("GetBacklog failed: %v", err)
	}
	if len(older) != 2 || older[0].No != 1 || older[1].No != 2 {
		t.Fatalf("expected comments 1..2 before cutoff, got %v", nosOf(older))
	}
}

func nosOf(comments []*Comment) []int64 {
	out := make([]int64, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.No)
	}
	return out
}

func TestSyncCommentCounters_RaisesButNeverLowers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	threadRepo := thread.NewRepository(f.db)

	behind := f.thread
	ahead := &thread.Thread{ChannelID: 1, StartAt: behind.StartAt, EndAt: behind.EndAt}
	uncounted := &thread.Thread{ChannelID: 2, StartAt: behind.StartAt, EndAt: behind.EndAt}
	for _, th := range []*thread.Thread{ahead, uncounted} {
		if err := threadRepo.CreateWithCounter(ctx, th); err != nil {
			t.Fatalf("failed to create thread: %v", err)
		}
	}

	insert := func(threadID uint64, upTo int64) {
		for no := int64(1); no <= upTo; no++ {
			c := &Comment{ThreadID: threadID, No: no, Date: time.Now().UTC(), UserID: "u", Content: "x"}
			if err := f.db.Create(c).Error; err != nil {
				t.Fatalf("failed to insert comment: %v", err)
			}
		}
	}
	insert(behind.ID, 7)
	insert(ahead.ID, 2)

	f.db.Exec("UPDATE comment_counters SET max_no = 3 WHERE thread_id = ?", behind.ID)
	f.db.Exec("UPDATE comment_counters SET max_no = 9 WHERE thread_id = ?", ahead.ID)
	f.db.Exec("DELETE FROM comment_counters WHERE thread_id = ?", uncounted.ID)
	if _, err := f.svc.cache.Raise(ctx, ahead.ID, 12); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	if err := f.svc.SyncCommentCounters(ctx); err != nil {
		t.Fatalf("SyncCommentCounters failed: %v", err)
	}

	if got := f.counterRow(t, behind.ID); got != 7 {
		t.Fatalf("expected lagging counter raised to 7, got %d", got)
	}
	if got := f.counterRow(t, ahead.ID); got != 9 {
		t.Fatalf("expected higher counter to stay 9, got %d", got)
	}
	if got := f.counterRow(t, uncounted.ID); got != 0 {
		t.Fatalf("expected missing counter recreated at 0, got %d", got)
	}

	if cached, _, _ := f.svc.cache.Get(ctx, behind.ID); cached != 7 {
		t.Fatalf("expected cache raised to 7, got %d", cached)
	}
	if cached, _, _ := f.svc.cache.Get(ctx, ahead.ID); cached != 12 {
		t.Fatalf("expected cache to stay 12, got %d", cached)
	}
}

func TestGetCommentCount_FallsBackToDurableCounter(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.db.Exec("UPDATE comment_counters SET max_no = 42 WHERE thread_id = ?", f.thread.ID)
	n, err := f.svc.GetCommentCount(ctx, f.thread.ID)
	if err != nil || n != 42 {
		t.Fatalf("expected 42 from the durable counter, got %d (%v)", n, err)
	}
	if cached, ok, _ := f.svc.cache.Get(ctx, f.thread.ID); !ok || cached != 42 {
		t.Fatalf("expected write-back of 42, got %d (ok=%v)", cached, ok)
	}

	n, err = f.svc.GetCommentCount(ctx, 9999)
	if err != nil || n != 0 {
		t.Fatalf("expected 0 for unknown thread, got %d (%v)", n, err)
	}
}
