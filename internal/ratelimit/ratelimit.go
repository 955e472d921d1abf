// Package ratelimit bounds how often one caller may request decisions.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/advisor/internal/config"
)

// Result is the verdict for one request.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
	Close() error
}

// FromConfig builds the configured limiter. A disabled limiter allows
// everything.
func FromConfig(cfg config.RateLimitConfig) (Limiter, error) {
	if !cfg.Enabled {
		return Unlimited{}, nil
	}
	switch cfg.Backend {
	case "", "local":
		return NewLocal(cfg.RequestsPerMinute, cfg.Burst), nil
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.RequestsPerMinute)
	default:
		return nil, eris.Errorf("ratelimit: unknown backend %q", cfg.Backend)
	}
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (Result, error) { return Result{Allowed: true}, nil }
func (Unlimited) Close() error                                 { return nil }

const idleAfter = 10 * time.Minute

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// Local keeps one token bucket per caller in process memory.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	rpm     int
	burst   int
	now     func() time.Time
}

// NewLocal creates a limiter refilling rpm tokens per minute.
func NewLocal(rpm, burst int) *Local {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(float64(rpm) / 60),
		rpm:     rpm,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (Result, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.sweep(now)
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	res := Result{Limit: l.rpm}
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		return res, nil
	}
	res.Allowed = true
	res.Remaining = int(b.limiter.TokensAt(now))
	return res, nil
}

// sweep drops buckets idle long enough to have refilled.
func (l *Local) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > idleAfter {
			delete(l.buckets, k)
		}
	}
}

func (l *Local) Close() error { return nil }
