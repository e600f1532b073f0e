package thread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"jikkyo/internal/app/channel"

	"go.uber.org/zap"
)

const (
	threadDescription = "NX-Jikkyo は、放送中のテレビ番組や起きているイベントに対して、みんなでコメントをし盛り上がりを共有する、リアルタイムコミュニケーションサービスです。"

	// Daily threads run from 04:00 to the next day's 04:00 local time.
	dayBoundaryHour = 4
)

// Location is the timezone daily windows are anchored to.
var Location = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		return time.FixedZone("JST", 9*60*60)
	}
	return loc
}()

type Service interface {
	GetActiveThread(ctx context.Context, channelID int, at time.Time) (*Thread, error)
	GetThreadByID(ctx context.Context, id uint64) (*Thread, error)
	GetThreadByIDAndChannel(ctx context.Context, id uint64, channelID int) (*Thread, error)
	EnsureDailyThreads(ctx context.Context) error
	ListThreads(ctx context.Context, since *time.Time) ([]*Thread, error)
	ListChannelThreads(ctx context.Context, channelID int) ([]*Thread, error)
}

type service struct {
	repo        Repository
	channelRepo channel.Repository
	logger      *zap.SugaredLogger
	now         func() time.Time

	mu     sync.RWMutex
	active map[int]*Thread
}

func NewService(repo Repository, channelRepo channel.Repository, logger *zap.Logger) Service {
	return newService(repo, channelRepo, logger, time.Now)
}

func newService(repo Repository, channelRepo channel.Repository, logger *zap.Logger, now func() time.Time) *service {
	return &service{
		repo:        repo,
		channelRepo: channelRepo,
		logger:      logger.Sugar(),
		now:         now,
		active:      make(map[int]*Thread),
	}
}

// GetActiveThread returns the thread covering at, or nil when the channel has none.
// Lookups are served from a per-channel cache until the cached thread no longer covers at.
func (s *service) GetActiveThread(ctx context.Context, channelID int, at time.Time) (*Thread, error) {
	s.mu.RLock()
	cached, ok := s.active[channelID]
	s.mu.RUnlock()
	if ok && !at.Before(cached.StartAt) && !at.After(cached.EndAt) {
		return cached, nil
	}

	t, err := s.repo.FindActive(ctx, channelID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to find active thread: %w", err)
	}
	if t == nil {
		return nil, nil
	}

	s.mu.Lock()
	s.active[channelID] = t
	s.mu.Unlock()
	s.logger.Infow("Active thread has been updated", "channel_id", channel.FormatChannelID(channelID), "thread_id", t.ID)
	return t, nil
}

func (s *service) GetThreadByID(ctx context.Context, id uint64) (*Thread, error) {
	return s.repo.GetThreadByID(ctx, id)
}

func (s *service) GetThreadByIDAndChannel(ctx context.Context, id uint64, channelID int) (*Thread, error) {
	return s.repo.GetThreadByIDAndChannel(ctx, id, channelID)
}

func (s *service) ListThreads(ctx context.Context, since *time.Time) ([]*Thread, error) {
	threads, err := s.repo.ListStartedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	return threads, nil
}

func (s *service) ListChannelThreads(ctx context.Context, channelID int) ([]*Thread, error) {
	threads, err := s.repo.ListByChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel threads: %w", err)
	}
	return threads, nil
}

// EnsureDailyThreads makes sure today's and tomorrow's threads exist for every
// non-alias channel. Before today's boundary a bridging thread covers the gap.
func (s *service) EnsureDailyThreads(ctx context.Context) error {
	channels, err := s.channelRepo.GetAllChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to get channels: %w", err)
	}

	now := s.now().In(Location).Truncate(time.Second)
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), dayBoundaryHour, 0, 0, 0, Location)
	tomorrowStart := todayStart.AddDate(0, 0, 1)

	created := 0
	for _, ch := range channels {
		if channel.IsAlias(ch.ID) {
			continue
		}

		for _, start := range []time.Time{todayStart, tomorrowStart} {
			ok, err := s.ensureThread(ctx, ch, start, start.AddDate(0, 0, 1), start)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}

		if now.Before(todayStart) {
			covering, err := s.repo.FindActive(ctx, ch.ID, now)
			if err != nil {
				return fmt.Errorf("failed to find covering thread: %w", err)
			}
			if covering == nil {
				t := newThread(ch, now, todayStart, now)
				if err := s.repo.CreateWithCounter(ctx, t); err != nil {
					return fmt.Errorf("failed to create bridging thread: %w", err)
				}
				created++
				s.logger.Infow("Bridging thread registered",
					"channel_id", channel.FormatChannelID(ch.ID),
					"thread_id", t.ID,
					"start_at", now,
					"end_at", todayStart,
				)
			}
		}
	}

	s.logger.Infow("Thread registration has been completed", "created", created)
	return nil
}

func (s *service) ensureThread(ctx context.Context, ch *channel.Channel, start, end, day time.Time) (bool, error) {
	exists, err := s.repo.ExistsWithStart(ctx, ch.ID, start)
	if err != nil {
		return false, fmt.Errorf("failed to check thread: %w", err)
	}
	if exists {
		return false, nil
	}
	t := newThread(ch, start, end, day)
	if err := s.repo.CreateWithCounter(ctx, t); err != nil {
		return false, fmt.Errorf("failed to create thread: %w", err)
	}
	s.logger.Infow("Thread registered",
		"channel_id", channel.FormatChannelID(ch.ID),
		"thread_id", t.ID,
		"date", day.Format("2006-01-02"),
	)
	return true, nil
}

func newThread(ch *channel.Channel, start, end, day time.Time) *Thread {
	return &Thread{
		ChannelID:   ch.ID,
		StartAt:     start,
		EndAt:       end,
		Duration:    int(end.Sub(start).Seconds()),
		Title:       fmt.Sprintf("%s【NX-Jikkyo】%s", ch.Name, day.In(Location).Format("2006年01月02日")),
		Description: threadDescription,
	}
}
