package websocket

import (
	"context"
	"sync"
	"time"

	"jikkyo/internal/app/comment"
	"jikkyo/internal/app/stats"
	"jikkyo/internal/app/thread"
	"jikkyo/internal/providers/redis"

	"go.uber.org/zap"
)

type Options struct {
	ClientIDSalt string
	// IdleTimeout closes sockets that send nothing for this long. Zero disables it.
	IdleTimeout time.Duration
}

// timings are the session clocks; tests shorten them.
type timings struct {
	tick       time.Duration
	statistics time.Duration
	serverTime time.Duration
	ping       time.Duration
	tailWait   time.Duration
}

var defaultTimings = timings{
	tick:       time.Second,
	statistics: 60 * time.Second,
	serverTime: 45 * time.Second,
	ping:       30 * time.Second,
	tailWait:   receiveTimeout,
}

// Hub is the process-wide context shared by all sessions: the services they
// call and the per-thread broadcaster registry.
type Hub struct {
	threads  thread.Service
	comments comment.Service
	stats    stats.Service
	redisP   *redis.RedisProvider
	unknown  *UnknownChannelLog
	opts     Options
	timings  timings
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	broadcasters map[uint64]*Broadcaster
}

func NewHub(
	threads thread.Service,
	comments comment.Service,
	statsSvc stats.Service,
	redisP *redis.RedisProvider,
	opts Options,
	logger *zap.Logger,
) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		threads:      threads,
		comments:     comments,
		stats:        statsSvc,
		redisP:       redisP,
		unknown:      NewUnknownChannelLog(logger),
		opts:         opts,
		timings:      defaultTimings,
		logger:       logger.Sugar(),
		ctx:          ctx,
		cancel:       cancel,
		broadcasters: make(map[uint64]*Broadcaster),
	}
}

// Run drives the hub's background work until Shutdown.
func (h *Hub) Run() {
	h.logger.Info("WebSocket Hub started")
	h.unknown.Run(h.ctx)
}

// Subscribe registers sub on the thread's broadcaster, creating it on first
// use. Lookup and registration share the registry lock so a concurrent
// Unsubscribe can never drop the broadcaster in between.
// Lock order is registry, then broadcaster.
func (h *Hub) Subscribe(threadID uint64, sub *Subscriber) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.broadcasters[threadID]
	if !ok {
		b = newBroadcaster(h.ctx, threadID, h.comments.Topic(threadID), h.redisP, h.logger)
		h.broadcasters[threadID] = b
	}
	b.AddSubscriber(sub)
	return b
}

// Unsubscribe deregisters sub and drops b from the registry once it has no
// subscribers left.
func (h *Hub) Unsubscribe(threadID uint64, b *Broadcaster, sub *Subscriber) {
	b.RemoveSubscriber(sub)

	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.broadcasters[threadID]; !ok || current != b {
		return
	}
	if b.SubscriberCount() == 0 {
		delete(h.broadcasters, threadID)
	}
}

func (h *Hub) BroadcasterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.broadcasters)
}

// Shutdown stops every broadcaster and open session, waiting for the
// broadcasters' receive loops until ctx expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	h.mu.Lock()
	all := make([]*Broadcaster, 0, len(h.broadcasters))
	for _, b := range h.broadcasters {
		all = append(all, b)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, b := range all {
			b.wait()
		}
		close(done)
	}()

	select {
	case <-done:
		h.logger.Infow("WebSocket Hub stopped", "broadcasters", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
