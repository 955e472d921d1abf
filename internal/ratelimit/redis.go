package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	window    = time.Minute
	keyPrefix = "advisor:ratelimit:"
)

// Redis is a sliding-window limiter shared by every server instance. When
// Redis is unreachable it fails open.
type Redis struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedis connects to url, e.g. "redis://localhost:6379/0".
func NewRedis(url string, rpm int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "ratelimit: parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "ratelimit: connect redis")
	}
	return NewRedisWithClient(client, rpm), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, rpm int) *Redis {
	if rpm <= 0 {
		rpm = 60
	}
	return &Redis{client: client, limit: rpm, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Result, error) {
	now := r.now()
	k := keyPrefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-window).UnixMilli(), 10))
	card := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		zap.L().Warn("ratelimit: redis check failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return Result{Allowed: true, Limit: r.limit}, nil
	}

	count := int(card.Val())
	res := Result{Limit: r.limit}
	if count < r.limit {
		res.Allowed = true
		res.Remaining = r.limit - count - 1
		return res, nil
	}

	// Denied requests do not occupy the window.
	if err := r.client.ZRem(ctx, k, member).Err(); err != nil {
		zap.L().Debug("ratelimit: remove denied member", zap.String("key", key), zap.Error(err))
	}
	res.RetryAfter = time.Second
	if zs := oldest.Val(); len(zs) > 0 {
		expires := time.UnixMilli(int64(zs[0].Score)).Add(window)
		if d := expires.Sub(now); d > 0 {
			res.RetryAfter = d
		}
	}
	return res, nil
}

func (r *Redis) Close() error {
	return eris.Wrap(r.client.Close(), "ratelimit: close redis")
}
