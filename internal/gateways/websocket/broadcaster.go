package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"jikkyo/internal/app/comment"
	"jikkyo/internal/providers/redis"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	subscriberQueueSize = 200
	receiveTimeout      = 5 * time.Second
	minResubscribeWait  = time.Second
	maxResubscribeWait  = 30 * time.Second
)

// BroadcastMessage is one published comment, serialized once for all
// subscribers whose threadkey does not match its author.
type BroadcastMessage struct {
	Raw    []byte
	Chat   comment.ChatMessage
	UserID string
}

type Subscriber struct {
	ID        string
	ThreadKey string

	mu    sync.Mutex
	queue chan *BroadcastMessage
}

func NewSubscriber(threadKey string, size int) *Subscriber {
	if size <= 0 {
		size = subscriberQueueSize
	}
	return &Subscriber{
		ID:        uuid.NewString(),
		ThreadKey: threadKey,
		queue:     make(chan *BroadcastMessage, size),
	}
}

// Enqueue never blocks. When the queue is full the oldest message is dropped
// to make room; dropped reports whether that happened.
func (s *Subscriber) Enqueue(m *BroadcastMessage) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		select {
		case s.queue <- m:
			return dropped
		default:
		}
		select {
		case <-s.queue:
			dropped = true
		default:
		}
	}
}

func (s *Subscriber) Messages() <-chan *BroadcastMessage {
	return s.queue
}

// Broadcaster fans one thread's pub/sub topic out to its subscribers. The
// receive loop runs only while at least one subscriber is registered.
type Broadcaster struct {
	threadID uint64
	topic    string
	redisP   *redis.RedisProvider
	parent   context.Context
	logger   *zap.SugaredLogger

	receiveTimeout time.Duration
	minWait        time.Duration
	maxWait        time.Duration

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	cancel      context.CancelFunc
	done        chan struct{}
}

func newBroadcaster(parent context.Context, threadID uint64, topic string, redisP *redis.RedisProvider, logger *zap.SugaredLogger) *Broadcaster {
	return &Broadcaster{
		threadID:       threadID,
		topic:          topic,
		redisP:         redisP,
		parent:         parent,
		logger:         logger,
		receiveTimeout: receiveTimeout,
		minWait:        minResubscribeWait,
		maxWait:        maxResubscribeWait,
		subscribers:    make(map[string]*Subscriber),
	}
}

// AddSubscriber registers sub and starts the receive loop if it is not running,
// including after it exited on its own.
func (b *Broadcaster) AddSubscriber(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[sub.ID] = sub
	if b.runningLocked() {
		return
	}

	ctx, cancel := context.WithCancel(b.parent)
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go b.run(ctx, done)
}

// RemoveSubscriber deregisters sub and, if it was the last one, stops the
// receive loop and waits for it.
func (b *Broadcaster) RemoveSubscriber(sub *Subscriber) {
	b.mu.Lock()
	if current, ok := b.subscribers[sub.ID]; ok && current == sub {
		delete(b.subscribers, sub.ID)
	}
	if len(b.subscribers) > 0 || b.cancel == nil {
		b.mu.Unlock()
		return
	}
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	cancel()
	<-done
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) runningLocked() bool {
	if b.done == nil {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// wait blocks until the receive loop, if any, has exited.
func (b *Broadcaster) wait() {
	b.mu.Lock()
	done := b.done
	b.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (b *Broadcaster) snapshot() []*Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func (b *Broadcaster) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := b.minWait
	for {
		err := b.consume(ctx, func() { wait = b.minWait })
		if ctx.Err() != nil {
			return
		}

		b.logger.Errorw("Broadcaster lost its subscription, retrying",
			"thread_id", b.threadID,
			"retry_in", wait.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > b.maxWait {
			wait = b.maxWait
		}
	}
}

// consume subscribes to the topic and fans out until ctx ends or the
// subscription fails.
func (b *Broadcaster) consume(ctx context.Context, onSubscribed func()) error {
	pubsub := b.redisP.Subscribe(ctx, b.topic)
	defer pubsub.Close()
	stop := context.AfterFunc(ctx, func() { pubsub.Close() })
	defer stop()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	onSubscribed()
	b.logger.Debugw("Broadcaster subscribed", "thread_id", b.threadID, "topic", b.topic)

	for {
		received, err := pubsub.ReceiveTimeout(ctx, b.receiveTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("failed to receive from %s: %w", b.topic, err)
		}

		msg, ok := received.(*goredis.Message)
		if !ok {
			continue
		}
		b.fanOut(ctx, []byte(msg.Payload))
	}
}

func (b *Broadcaster) fanOut(ctx context.Context, payload []byte) {
	var decoded struct {
		Chat *comment.Chat `json:"chat"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		b.logger.Errorw("Failed to decode broadcast comment", "thread_id", b.threadID, "error", err)
		return
	}
	if decoded.Chat == nil {
		b.logger.Errorw("Broadcast comment has no chat object", "thread_id", b.threadID)
		return
	}

	// a stray yourpost must never reach other viewers
	decoded.Chat.YourPost = 0
	chat := comment.ChatMessage{Chat: *decoded.Chat}
	raw, err := json.Marshal(chat)
	if err != nil {
		b.logger.Errorw("Failed to encode broadcast comment", "thread_id", b.threadID, "error", err)
		return
	}

	msg := &BroadcastMessage{Raw: raw, Chat: chat, UserID: chat.Chat.UserID}
	for _, sub := range b.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if sub.Enqueue(msg) {
			b.logger.Debugw("Subscriber queue full, dropped oldest comment",
				"thread_id", b.threadID,
				"subscriber_id", sub.ID,
			)
		}
	}
}
