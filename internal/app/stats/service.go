// Package stats keeps the shared live figures shown next to each channel:
// concurrent viewers and comments-per-minute momentum.
package stats

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"jikkyo/internal/providers/redis"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	momentumWindow      = 60 * time.Second
	momentumPruneChance = 0.1
)

// decrementIfPositive never lets a viewer count drop below zero.
var decrementIfPositive = goredis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if current == nil or current <= 0 then
	return 0
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
`)

type Service interface {
	IncrViewers(ctx context.Context, channelKey string) (int64, error)
	DecrViewers(ctx context.Context, channelKey string) (int64, error)
	Viewers(ctx context.Context, channelKey string) (int64, error)
	ResetViewers(ctx context.Context, channelKeys []string) error
	RecordComment(ctx context.Context, channelKey string, commentID uint64, at time.Time) error
	Momentum(ctx context.Context, channelKey string, now time.Time) (int64, error)
}

type service struct {
	redisP     *redis.RedisProvider
	viewersKey string
	logger     *zap.SugaredLogger
	pruneRoll  func() float64
}

func NewService(redisP *redis.RedisProvider, logger *zap.Logger) Service {
	return &service{
		redisP:     redisP,
		viewersKey: redisP.Key("viewer_count"),
		logger:     logger.Sugar(),
		pruneRoll:  rand.Float64,
	}
}

func (s *service) momentumKey(channelKey string) string {
	return s.redisP.Key("jikkyo_force", channelKey)
}

func (s *service) IncrViewers(ctx context.Context, channelKey string) (int64, error) {
	n, err := s.redisP.HIncrBy(ctx, s.viewersKey, channelKey, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment viewers: %w", err)
	}
	return n, nil
}

func (s *service) DecrViewers(ctx context.Context, channelKey string) (int64, error) {
	n, err := s.redisP.RunScript(ctx, decrementIfPositive, []string{s.viewersKey}, channelKey).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement viewers: %w", err)
	}
	return n, nil
}

func (s *service) Viewers(ctx context.Context, channelKey string) (int64, error) {
	v, err := s.redisP.HGet(ctx, s.viewersKey, channelKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get viewers: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// ResetViewers zeroes the counts left behind by a previous process.
func (s *service) ResetViewers(ctx context.Context, channelKeys []string) error {
	if len(channelKeys) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(channelKeys)*2)
	for _, key := range channelKeys {
		values = append(values, key, 0)
	}
	if err := s.redisP.HSet(ctx, s.viewersKey, values...).Err(); err != nil {
		return fmt.Errorf("failed to reset viewers: %w", err)
	}
	s.logger.Infow("Viewer counts have been reset", "channels", len(channelKeys))
	return nil
}

func (s *service) RecordComment(ctx context.Context, channelKey string, commentID uint64, at time.Time) error {
	key := s.momentumKey(channelKey)
	score := float64(at.UnixNano()) / float64(time.Second)
	member := "comment:" + strconv.FormatUint(commentID, 10)
	if err := s.redisP.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to record momentum: %w", err)
	}

	// prune on roughly one insert in ten
	if s.pruneRoll() < momentumPruneChance {
		cutoff := strconv.FormatFloat(score-momentumWindow.Seconds(), 'f', 3, 64)
		if err := s.redisP.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
			s.logger.Warnw("Failed to prune momentum entries", "channel_id", channelKey, "error", err)
		}
	}
	return nil
}

// Momentum counts comments posted on the channel in the trailing minute.
func (s *service) Momentum(ctx context.Context, channelKey string, now time.Time) (int64, error) {
	nowScore := float64(now.UnixNano()) / float64(time.Second)
	lo := strconv.FormatFloat(nowScore-momentumWindow.Seconds(), 'f', 3, 64)
	hi := strconv.FormatFloat(nowScore, 'f', 3, 64)
	n, err := s.redisP.ZCount(ctx, s.momentumKey(channelKey), lo, hi).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count momentum: %w", err)
	}
	return n, nil
}
