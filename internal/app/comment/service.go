package comment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/stats"
	"jikkyo/internal/app/thread"
	"jikkyo/internal/providers/redis"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service interface {
	PostComment(ctx context.Context, th *thread.Thread, in PostInput) (*Comment, error)
	GetBacklog(ctx context.Context, threadID uint64, limit int, before *time.Time) ([]*Comment, error)
	GetCommentCount(ctx context.Context, threadID uint64) (int64, error)
	GetCommentCounts(ctx context.Context, threadIDs []uint64) (map[uint64]int64, error)
	NewCounterReader(threadID uint64) *CounterReader
	SyncCommentCounters(ctx context.Context) error
	Topic(threadID uint64) string
}

type ServiceConfig struct {
	// ValidationInterval is how often a cached count is checked against the durable row.
	ValidationInterval time.Duration
	// DBRetryBackoff is how long counter reads skip the database after a connection failure.
	DBRetryBackoff time.Duration
}

type service struct {
	dbConn      *gorm.DB
	repo        Repository
	cache       CounterCache
	stats       stats.Service
	redisP      *redis.RedisProvider
	breaker     *gobreaker.CircuitBreaker
	cfg         ServiceConfig
	logger      *zap.SugaredLogger
	maxAttempts int
	retryWait   time.Duration
	now         func() time.Time
}

func NewService(
	dbConn *gorm.DB,
	repo Repository,
	cache CounterCache,
	statsSvc stats.Service,
	redisP *redis.RedisProvider,
	cfg ServiceConfig,
	logger *zap.Logger,
) Service {
	if cfg.ValidationInterval <= 0 {
		cfg.ValidationInterval = 10 * time.Minute
	}
	if cfg.DBRetryBackoff <= 0 {
		cfg.DBRetryBackoff = 15 * time.Second
	}
	return &service{
		dbConn:      dbConn,
		repo:        repo,
		cache:       cache,
		stats:       statsSvc,
		redisP:      redisP,
		breaker:     NewCounterBreaker(cfg.DBRetryBackoff, logger),
		cfg:         cfg,
		logger:      logger.Sugar(),
		maxAttempts: defaultMaxAttempts,
		retryWait:   defaultRetryWait,
		now:         time.Now,
	}
}

// Topic is the pub/sub channel carrying new comments of a thread.
func (s *service) Topic(threadID uint64) string {
	return s.redisP.Key("thread_comments", strconv.FormatUint(threadID, 10))
}

// PostComment numbers and stores one comment, then announces it to live
// subscribers and the momentum counter.
func (s *service) PostComment(ctx context.Context, th *thread.Thread, in PostInput) (*Comment, error) {
	date := in.Date
	if date.IsZero() {
		date = s.now()
	}
	if th.HasEnded(date) {
		return nil, ErrThreadEnded
	}

	comment := &Comment{
		ThreadID:  th.ID,
		Date:      date.UTC(),
		Mail:      in.Mail,
		UserID:    in.UserID,
		Premium:   in.Premium,
		Anonymity: in.Anonymity,
		Content:   in.Content,
	}
	if in.Vpos != nil {
		comment.Vpos = *in.Vpos
	} else {
		comment.Vpos = int64(date.Sub(th.StartAt) / (10 * time.Millisecond))
	}

	err := s.runInTransaction(ctx, "post_comment", func(tx *gorm.DB) error {
		comment.ID = 0
		no, err := s.nextNo(tx, th.ID)
		if err != nil {
			return err
		}
		comment.No = no
		return tx.Create(comment).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store comment: %w", err)
	}

	if _, err := s.cache.Raise(ctx, th.ID, comment.No); err != nil {
		s.logger.Warnw("Failed to update counter cache", "thread_id", th.ID, "no", comment.No, "error", err)
	}

	payload, err := json.Marshal(comment.ToChat())
	if err != nil {
		return nil, fmt.Errorf("failed to encode comment: %w", err)
	}
	if err := s.redisP.Publish(ctx, s.Topic(th.ID), payload).Err(); err != nil {
		return nil, fmt.Errorf("failed to publish comment: %w", err)
	}

	channelKey := channel.FormatChannelID(th.ChannelID)
	if err := s.stats.RecordComment(ctx, channelKey, comment.ID, comment.Date); err != nil {
		s.logger.Warnw("Failed to record momentum", "channel_id", channelKey, "error", err)
	}

	return comment, nil
}

// nextNo increments the thread counter under its row lock. A missing row is
// recreated from the stored comments before incrementing.
func (s *service) nextNo(tx *gorm.DB, threadID uint64) (int64, error) {
	const increment = `UPDATE comment_counters SET max_no = max_no + 1 WHERE thread_id = ?`

	res := tx.Exec(increment, threadID)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		s.logger.Warnw("Comment counter row missing on write, rebuilding", "thread_id", threadID)
		if err := tx.Exec(`
			INSERT INTO comment_counters (thread_id, max_no)
			SELECT ?, COALESCE(MAX(no), 0) FROM comments WHERE thread_id = ?
			ON CONFLICT (thread_id) DO NOTHING
		`, threadID, threadID).Error; err != nil {
			return 0, err
		}
		res = tx.Exec(increment, threadID)
		if res.Error != nil {
			return 0, res.Error
		}
		if res.RowsAffected == 0 {
			return 0, ErrCounterMissing
		}
	}

	var no int64
	if err := tx.Raw(`SELECT max_no FROM comment_counters WHERE thread_id = ?`, threadID).Scan(&no).Error; err != nil {
		return 0, err
	}
	return no, nil
}

func (s *service) GetBacklog(ctx context.Context, threadID uint64, limit int, before *time.Time) ([]*Comment, error) {
	comments, err := s.repo.GetBacklog(ctx, threadID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get backlog: %w", err)
	}
	return comments, nil
}

// GetCommentCount answers from the cache and falls back to the durable counter.
func (s *service) GetCommentCount(ctx context.Context, threadID uint64) (int64, error) {
	if n, ok, err := s.cache.Get(ctx, threadID); err == nil && ok {
		return n, nil
	}

	n, err := s.repo.GetCounter(ctx, threadID)
	if errors.Is(err, ErrCounterMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get comment count: %w", err)
	}
	if _, err := s.cache.Raise(ctx, threadID, n); err != nil {
		s.logger.Warnw("Failed to write back counter cache", "thread_id", threadID, "error", err)
	}
	return n, nil
}

// GetCommentCounts reads many durable counters at once for listings.
func (s *service) GetCommentCounts(ctx context.Context, threadIDs []uint64) (map[uint64]int64, error) {
	counts, err := s.repo.GetCounters(ctx, threadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get comment counts: %w", err)
	}
	return counts, nil
}

func (s *service) NewCounterReader(threadID uint64) *CounterReader {
	return &CounterReader{
		threadID:           threadID,
		cache:              s.cache,
		repo:               s.repo,
		breaker:            s.breaker,
		logger:             s.logger,
		validationInterval: s.cfg.ValidationInterval,
		logInterval:        s.cfg.DBRetryBackoff,
		now:                s.now,
	}
}

// SyncCommentCounters raises every durable and cached counter to the highest
// stored comment number. Counters are never lowered.
func (s *service) SyncCommentCounters(ctx context.Context) error {
	created, err := s.repo.CreateMissingCounters(ctx)
	if err != nil {
		return fmt.Errorf("failed to create missing counters: %w", err)
	}

	maxes, err := s.repo.GetMaxNoByThread(ctx)
	if err != nil {
		return fmt.Errorf("failed to aggregate comment numbers: %w", err)
	}

	var failed int
	for threadID, maxNo := range maxes {
		stored, err := s.repo.RaiseCounter(ctx, threadID, maxNo)
		if err != nil {
			failed++
			s.logger.Errorw("Failed to raise comment counter", "thread_id", threadID, "max_no", maxNo, "error", err)
			continue
		}
		if _, err := s.cache.Raise(ctx, threadID, stored); err != nil {
			s.logger.Warnw("Failed to raise counter cache", "thread_id", threadID, "error", err)
		}
	}

	s.logger.Infow("Comment counters synchronized",
		"threads", len(maxes),
		"created", created,
		"failed", failed,
	)
	if failed > 0 {
		return fmt.Errorf("failed to synchronize %d comment counters", failed)
	}
	return nil
}
