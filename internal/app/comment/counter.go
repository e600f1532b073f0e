package comment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"jikkyo/internal/providers/redis"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// setIfGreater stores ARGV[2] unless the field already holds a larger number
// and returns whatever is stored afterwards. Non-numeric values are overwritten.
var setIfGreater = goredis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
local value = tonumber(ARGV[2])
if current == nil or current < value then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return value
end
return current
`)

// CounterCache mirrors comment_counters.max_no in a Redis hash keyed by thread id.
type CounterCache interface {
	Get(ctx context.Context, threadID uint64) (int64, bool, error)
	Raise(ctx context.Context, threadID uint64, value int64) (int64, error)
}

type counterCache struct {
	redisP *redis.RedisProvider
	key    string
	logger *zap.SugaredLogger
}

func NewCounterCache(redisP *redis.RedisProvider, logger *zap.Logger) CounterCache {
	return &counterCache{
		redisP: redisP,
		key:    redisP.Key("thread_comment_counter"),
		logger: logger.Sugar(),
	}
}

func (c *counterCache) Get(ctx context.Context, threadID uint64) (int64, bool, error) {
	field := strconv.FormatUint(threadID, 10)
	v, err := c.redisP.HGet(ctx, c.key, field).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter cache: %w", err)
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.logger.Warnw("Dropping non-numeric counter cache entry",
			"thread_id", threadID,
			"value", v,
		)
		if err := c.redisP.HDel(ctx, c.key, field).Err(); err != nil {
			return 0, false, fmt.Errorf("failed to delete corrupt counter cache: %w", err)
		}
		return 0, false, nil
	}
	return n, true, nil
}

func (c *counterCache) Raise(ctx context.Context, threadID uint64, value int64) (int64, error) {
	field := strconv.FormatUint(threadID, 10)
	n, err := c.redisP.RunScript(ctx, setIfGreater, []string{c.key}, field, value).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to raise counter cache: %w", err)
	}
	return n, nil
}

// NewCounterBreaker builds the breaker shared by every CounterReader. It opens on
// the first connection failure and lets one probe through after backoff.
func NewCounterBreaker(backoff time.Duration, logger *zap.Logger) *gobreaker.CircuitBreaker {
	log := logger.Sugar()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "comment-counter-db",
		MaxRequests: 1,
		Timeout:     backoff,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsConnectionUnavailable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Counter database breaker changed state",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// CounterReader serves the comment count of one thread to one watch session.
// It prefers the cache, falls back to the durable row, and finally to the last
// value it returned.
type CounterReader struct {
	threadID           uint64
	cache              CounterCache
	repo               Repository
	breaker            *gobreaker.CircuitBreaker
	logger             *zap.SugaredLogger
	validationInterval time.Duration
	logInterval        time.Duration
	now                func() time.Time

	mu            sync.Mutex
	last          int64
	lastValidated time.Time
	lastErrorLog  time.Time
}

func (r *CounterReader) Read(ctx context.Context) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cached, ok, err := r.cache.Get(ctx, r.threadID)
	if err != nil {
		r.logThrottled(now, "Counter cache read failed", err)
	}

	if ok {
		if !r.lastValidated.IsZero() && now.Sub(r.lastValidated) < r.validationInterval {
			r.last = cached
			return cached
		}

		durable, err := r.readDurable(ctx)
		if err != nil {
			r.logThrottled(now, "Counter validation failed", err)
			r.last = cached
			return cached
		}
		r.lastValidated = now
		if durable > cached {
			if _, err := r.cache.Raise(ctx, r.threadID, durable); err != nil {
				r.logThrottled(now, "Counter cache repair failed", err)
			}
			cached = durable
		}
		r.last = cached
		return cached
	}

	durable, err := r.readDurable(ctx)
	if err != nil {
		r.logThrottled(now, "Counter read failed, using last value", err)
		return r.last
	}
	r.lastValidated = now
	if stored, err := r.cache.Raise(ctx, r.threadID, durable); err != nil {
		r.logThrottled(now, "Counter cache write-back failed", err)
	} else {
		durable = stored
	}
	r.last = durable
	return durable
}

// readDurable reads comment_counters through the breaker, rebuilding a missing
// row from the newest comment.
func (r *CounterReader) readDurable(ctx context.Context) (int64, error) {
	v, err := r.breaker.Execute(func() (interface{}, error) {
		n, err := r.repo.GetCounter(ctx, r.threadID)
		if errors.Is(err, ErrCounterMissing) {
			latest, err := r.repo.GetLatestNo(ctx, r.threadID)
			if err != nil {
				return nil, err
			}
			r.logger.Warnw("Comment counter row missing, rebuilding",
				"thread_id", r.threadID,
				"latest_no", latest,
			)
			return r.repo.RaiseCounter(ctx, r.threadID, latest)
		}
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *CounterReader) logThrottled(now time.Time, msg string, err error) {
	if !r.lastErrorLog.IsZero() && now.Sub(r.lastErrorLog) < r.logInterval {
		return
	}
	r.lastErrorLog = now
	r.logger.Errorw(msg, "thread_id", r.threadID, "last_value", r.last, "error", err)
}
