// Package ratelimit paces calls to extraction backends, either within one
// process or across every process sharing a Redis instance.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/contract-tables/internal/common"
)

// Limiter blocks until one more backend call is allowed.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config describes the allowed call rate: Limit calls per Window.
type Config struct {
	Addr     string // redis address; empty selects the in-process limiter
	Password string
	DB       int
	Key      string
	Limit    int
	Window   time.Duration
}

// New returns a Redis limiter when Addr is set, a local one when only Limit
// is set, and nil when neither is.
func New(cfg Config, logger *slog.Logger) (Limiter, func() error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func() error { return nil }
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, noop
	}
	if cfg.Addr == "" {
		logger.Info("ratelimit.local", "limit", cfg.Limit, "window", cfg.Window)
		return NewLocal(cfg.Limit, cfg.Window), noop
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	logger.Info("ratelimit.redis", "addr", cfg.Addr, "key", cfg.Key, "limit", cfg.Limit, "window", cfg.Window)
	return NewRedis(client, cfg.Key, cfg.Limit, cfg.Window, logger), client.Close
}

// Local is an in-process token bucket.
type Local struct {
	l *rate.Limiter
}

func NewLocal(limit int, window time.Duration) *Local {
	return &Local{l: rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)}
}

func (l *Local) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// counter is the subset of redis.Cmdable the fixed window needs.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// Redis is a fixed-window counter shared by every process using the same key.
// When Redis is unreachable it lets calls through and logs a warning.
type Redis struct {
	rdb    counter
	key    string
	limit  int64
	window time.Duration
	log    *slog.Logger
}

func NewRedis(rdb counter, key string, limit int, window time.Duration, logger *slog.Logger) *Redis {
	if key == "" {
		key = "contract-tables:backend"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, key: key, limit: int64(limit), window: window, log: logger}
}

func (r *Redis) Wait(ctx context.Context) error {
	for {
		n, err := r.rdb.Incr(ctx, r.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("ratelimit.redis.unavailable", "key", r.key, "error", err)
			return nil
		}
		if n == 1 {
			if err := r.rdb.PExpire(ctx, r.key, r.window).Err(); err != nil {
				r.log.Warn("ratelimit.redis.expire_failed", "key", r.key, "error", err)
			}
		}
		if n <= r.limit {
			return nil
		}

		wait, err := r.rdb.PTTL(ctx, r.key).Result()
		if err != nil || wait <= 0 {
			// key lost its expiry; start a fresh window
			if err := r.rdb.PExpire(ctx, r.key, r.window).Err(); err != nil {
				r.log.Warn("ratelimit.redis.expire_failed", "key", r.key, "error", err)
			}
			wait = r.window
		}
		r.log.Debug("ratelimit.redis.wait", "key", r.key, "count", n, "wait_ms", wait.Milliseconds())
		if err := common.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}
