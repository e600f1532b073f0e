package redis

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Nil is returned by reads of missing keys and hash fields.
const Nil = redis.Nil

type RedisProvider struct {
	Client *redis.Client
	URL    string
	prefix string
	logger *zap.SugaredLogger
	ttl    time.Duration
	cancel context.CancelFunc
}

func NewRedisProvider(redisURL, keyPrefix string, logger *zap.Logger, ttl time.Duration) *RedisProvider {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr: redisURL,
			DB:   0,
		}
	}

	client := redis.NewClient(opts)

	client.Options().MaxRetries = 3
	client.Options().MinRetryBackoff = 100 * time.Millisecond
	client.Options().MaxRetryBackoff = 500 * time.Millisecond

	provider := newProvider(client, redisURL, keyPrefix, logger, ttl)

	client.AddHook(&loggerHook{provider: provider})

	ctx, cancel := context.WithCancel(context.Background())
	provider.cancel = cancel
	go provider.startConnectionMonitor(ctx)

	if err := client.Ping(context.Background()).Err(); err != nil {
		provider.logger.Errorw("Redis connection failed at startup", "error", err)
	} else {
		provider.logger.Infow("Redis connected",
			"url", redisURL,
			"db", opts.DB,
			"key_prefix", keyPrefix,
			"default_ttl", ttl.String(),
		)
	}

	return provider
}

// NewRedisProviderFromClient wraps an existing client without the connection monitor.
func NewRedisProviderFromClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisProvider {
	return newProvider(client, client.Options().Addr, keyPrefix, logger, time.Minute)
}

func newProvider(client *redis.Client, url, keyPrefix string, logger *zap.Logger, ttl time.Duration) *RedisProvider {
	return &RedisProvider{
		Client: client,
		URL:    url,
		prefix: strings.TrimSuffix(keyPrefix, ":"),
		logger: logger.Sugar(),
		ttl:    ttl,
	}
}

// Key joins parts under the configured namespace, e.g. Key("viewer_count") -> "nx-jikkyo:viewer_count".
func (r *RedisProvider) Key(parts ...string) string {
	if r.prefix == "" {
		return strings.Join(parts, ":")
	}
	return r.prefix + ":" + strings.Join(parts, ":")
}

func (r *RedisProvider) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.Client.Close()
}

// SetEX stores value with ttl, or with the provider's default TTL when ttl is not positive.
func (r *RedisProvider) SetEX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	if ttl <= 0 {
		ttl = r.ttl
	}
	return r.Client.Set(ctx, key, value, ttl)
}

func (r *RedisProvider) Get(ctx context.Context, key string) *redis.StringCmd {
	return r.Client.Get(ctx, key)
}

func (r *RedisProvider) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return r.Client.Del(ctx, keys...)
}

func (r *RedisProvider) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	return r.Client.HGet(ctx, key, field)
}

func (r *RedisProvider) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return r.Client.HSet(ctx, key, values...)
}

func (r *RedisProvider) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	return r.Client.HDel(ctx, key, fields...)
}

func (r *RedisProvider) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	return r.Client.HIncrBy(ctx, key, field, incr)
}

func (r *RedisProvider) ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd {
	return r.Client.ZAdd(ctx, key, members...)
}

func (r *RedisProvider) ZCount(ctx context.Context, key, min, max string) *redis.IntCmd {
	return r.Client.ZCount(ctx, key, min, max)
}

func (r *RedisProvider) ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd {
	return r.Client.ZRemRangeByScore(ctx, key, min, max)
}

func (r *RedisProvider) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	return r.Client.Publish(ctx, channel, message)
}

func (r *RedisProvider) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.Client.Subscribe(ctx, channels...)
}

func (r *RedisProvider) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) *redis.Cmd {
	return script.Run(ctx, r.Client, keys, args...)
}

func (r *RedisProvider) startConnectionMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var wasConnected bool

	if err := r.Client.Ping(ctx).Err(); err == nil {
		wasConnected = true
	} else {
		r.logger.Warnw("Redis unavailable at startup", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.Client.Ping(ctx).Err()
			if err != nil {
				if wasConnected {
					r.logger.Errorw("Redis disconnected", "error", err)
					wasConnected = false
				}
			} else {
				if !wasConnected {
					r.logger.Infow("Redis reconnected", "url", r.URL)
					wasConnected = true
				}
			}
		}
	}
}

type loggerHook struct {
	provider *RedisProvider
}

func (h *loggerHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.provider.logger.Errorw("Redis dial failed", "network", network, "addr", addr, "error", err)
		} else {
			h.provider.logger.Debugw("Redis dialed", "network", network, "addr", addr)
		}
		return conn, err
	}
}

func (h *loggerHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		duration := time.Since(start)

		// ping noise and cache misses are not failures
		if cmd.Name() == "ping" && err == nil {
			return err
		}
		if err == redis.Nil {
			return err
		}

		fields := []interface{}{
			"command", cmd.Name(),
			"args", cmd.Args(),
			"duration_ms", duration.Milliseconds(),
		}
		if err != nil {
			fields = append(fields, "error", err)
			h.provider.logger.Errorw("Redis command failed", fields...)
		} else {
			h.provider.logger.Debugw("Redis command executed", fields...)
		}

		return err
	}
}

func (h *loggerHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		duration := time.Since(start)

		for _, cmd := range cmds {
			fields := []interface{}{
				"command", cmd.Name(),
				"args", cmd.Args(),
				"duration_ms", duration.Milliseconds(),
			}
			if err != nil {
				fields = append(fields, "error", err)
				h.provider.logger.Errorw("Redis pipeline command failed", fields...)
			} else {
				h.provider.logger.Debugw("Redis pipeline command executed", fields...)
			}
		}

		return err
	}
}
