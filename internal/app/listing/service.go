package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jikkyo/internal/app/channel"
	"jikkyo/internal/app/comment"
	"jikkyo/internal/app/stats"
	"jikkyo/internal/app/thread"
	"jikkyo/internal/providers/redis"

	"go.uber.org/zap"
)

const (
	cacheTTL = 10 * time.Second
	// the default listing only covers threads that started in this window
	recentWindow = 4 * 24 * time.Hour
)

var ErrChannelNotFound = errors.New("channel not found")

type Service interface {
	GetChannels(ctx context.Context, full bool) ([]ChannelResponse, error)
	GetChannel(ctx context.Context, channelID int) (*ChannelResponse, error)
	GetChannelThreads(ctx context.Context, channelID int) ([]ThreadSummary, error)
	GetThread(ctx context.Context, threadID uint64) (*ThreadResponse, error)
}

type service struct {
	channels channel.Service
	threads  thread.Service
	comments comment.Service
	stats    stats.Service
	redisP   *redis.RedisProvider
	cacheKey string
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewService(
	channels channel.Service,
	threads thread.Service,
	comments comment.Service,
	statsSvc stats.Service,
	redisP *redis.RedisProvider,
	logger *zap.Logger,
) Service {
	return &service{
		channels: channels,
		threads:  threads,
		comments: comments,
		stats:    statsSvc,
		redisP:   redisP,
		cacheKey: redisP.Key("channel_infos"),
		logger:   logger.Sugar(),
		now:      time.Now,
	}
}

// GetChannels lists every channel with its recent threads, served from a short
// Redis cache. full lists all threads and bypasses the cache.
func (s *service) GetChannels(ctx context.Context, full bool) ([]ChannelResponse, error) {
	if full {
		return s.build(ctx, nil)
	}

	cached, err := s.redisP.Get(ctx, s.cacheKey).Bytes()
	switch {
	case err == nil:
		var channels []ChannelResponse
		if err := json.Unmarshal(cached, &channels); err == nil {
			return channels, nil
		}
		s.logger.Warnw("Discarding unreadable channel listing cache", "key", s.cacheKey)
	case !errors.Is(err, redis.Nil):
		s.logger.Warnw("Failed to read channel listing cache", "error", err)
	}

	since := s.now().Add(-recentWindow)
	channels, err := s.build(ctx, &since)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(channels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode channel listing: %w", err)
	}
	if err := s.redisP.SetEX(ctx, s.cacheKey, payload, cacheTTL).Err(); err != nil {
		s.logger.Warnw("Failed to cache channel listing", "error", err)
	}
	return channels, nil
}

func (s *service) GetChannel(ctx context.Context, channelID int) (*ChannelResponse, error) {
	if !channel.IsKnown(channelID) {
		return nil, ErrChannelNotFound
	}
	channels, err := s.GetChannels(ctx, false)
	if err != nil {
		return nil, err
	}

	key := channel.FormatChannelID(channelID)
	for i := range channels {
		if channels[i].ID == key {
			return &channels[i], nil
		}
	}
	return nil, ErrChannelNotFound
}

func (s *service) GetChannelThreads(ctx context.Context, channelID int) ([]ThreadSummary, error) {
	if !channel.IsKnown(channelID) {
		return nil, ErrChannelNotFound
	}
	threads, err := s.threads.ListChannelThreads(ctx, channelID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summaries := make([]ThreadSummary, 0, len(threads))
	for _, th := range threads {
		summaries = append(summaries, ThreadSummary{
			ID:          th.ID,
			StartAt:     th.StartAt.In(thread.Location),
			EndAt:       th.EndAt.In(thread.Location),
			Title:       th.Title,
			Description: th.Description,
			Status:      string(th.StatusAt(now)),
		})
	}
	return summaries, nil
}

func (s *service) GetThread(ctx context.Context, threadID uint64) (*ThreadResponse, error) {
	th, err := s.threads.GetThreadByID(ctx, threadID)
	if err != nil {
		return nil, err
	}
	count, err := s.comments.GetCommentCount(ctx, th.ID)
	if err != nil {
		return nil, err
	}
	resp := s.threadResponse(ctx, th, count, s.now())
	return &resp, nil
}

// build assembles the listing from the database. Alias channels report the
// active and upcoming threads of the channel they redirect to.
func (s *service) build(ctx context.Context, since *time.Time) ([]ChannelResponse, error) {
	channels, err := s.channels.GetAllChannels(ctx)
	if err != nil {
		return nil, err
	}
	threads, err := s.threads.ListThreads(ctx, since)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(threads))
	byChannel := make(map[int][]*thread.Thread)
	for _, th := range threads {
		ids = append(ids, th.ID)
		byChannel[th.ChannelID] = append(byChannel[th.ChannelID], th)
	}
	counts, err := s.comments.GetCommentCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := s.now()
	responses := make([]ChannelResponse, 0, len(channels))
	for _, ch := range channels {
		owned := byChannel[ch.ID]
		target, isAlias := channel.AliasTarget(ch.ID)
		if isAlias {
			owned = nil
			for _, th := range byChannel[target] {
				if !th.HasEnded(now) {
					owned = append(owned, th)
				}
			}
		}

		resp := ChannelResponse{
			ID:          channel.FormatChannelID(ch.ID),
			Name:        ch.Name,
			Description: ch.Description,
			Threads:     make([]ThreadResponse, 0, len(owned)),
		}
		for _, th := range owned {
			resp.Threads = append(resp.Threads, s.threadResponse(ctx, th, counts[th.ID], now))
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// threadResponse fills in the live figures for an active thread. Those come
// from the thread's own channel, so an alias reports its target's numbers.
func (s *service) threadResponse(ctx context.Context, th *thread.Thread, count int64, now time.Time) ThreadResponse {
	status := th.StatusAt(now)
	resp := ThreadResponse{
		ID:          th.ID,
		StartAt:     th.StartAt.In(thread.Location),
		EndAt:       th.EndAt.In(thread.Location),
		Duration:    th.Duration,
		Title:       th.Title,
		Description: th.Description,
		Status:      string(status),
		Comments:    count,
	}
	if status != thread.StatusActive {
		return resp
	}

	key := channel.FormatChannelID(th.ChannelID)
	force, err := s.stats.Momentum(ctx, key, now)
	if err != nil {
		s.logger.Warnw("Failed to read momentum", "channel_id", key, "error", err)
	}
	viewers, err := s.stats.Viewers(ctx, key)
	if err != nil {
		s.logger.Warnw("Failed to read viewer count", "channel_id", key, "error", err)
	}
	if live, err := s.comments.GetCommentCount(ctx, th.ID); err == nil && live > count {
		resp.Comments = live
	}
	resp.JikkyoForce = &force
	resp.Viewers = &viewers
	return resp
}
