package resilience

import (
	"context"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"go.uber.org/zap"
)

// RetryConfig shapes exponential backoff between attempts.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFraction randomizes each sleep by up to this fraction either
	// way. Must be in [0, 1].
	JitterFraction float64

	// ShouldRetry overrides IsTransient.
	ShouldRetry func(err error) bool
	// OnRetry runs before each retry with the 1-based retry number.
	OnRetry func(retry int, err error)
}

// DefaultRetryConfig returns three attempts starting at 500ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.25,
	}
}

// Backoff lists the sleeps between attempts, capped at MaxBackoff.
func (c RetryConfig) Backoff() []time.Duration {
	c = c.normalized()
	out := make([]time.Duration, c.MaxAttempts-1)
	d := float64(c.InitialBackoff)
	for i := range out {
		out[i] = min(time.Duration(d), c.MaxBackoff)
		d *= c.Multiplier
	}
	return out
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	c.JitterFraction = max(0, min(c.JitterFraction, 1))
	if c.ShouldRetry == nil {
		c.ShouldRetry = IsTransient
	}
	return c
}

// classifier adapts ShouldRetry to the retrier's three-way classification.
type classifier func(error) bool

func (c classifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case c(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// Do runs fn until it succeeds, fails permanently, or runs out of
// attempts. Cancelling ctx during a backoff returns ctx.Err().
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that return a value.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.normalized()

	r := retrier.New(cfg.Backoff(), classifier(cfg.ShouldRetry))
	if cfg.JitterFraction > 0 {
		r.SetJitter(cfg.JitterFraction)
	}

	var (
		val     T
		tries   int
		lastErr error
	)
	err := r.RunCtx(ctx, func(ctx context.Context) error {
		if tries > 0 && cfg.OnRetry != nil {
			cfg.OnRetry(tries, lastErr)
		}
		tries++
		v, err := fn(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return val, nil
}

// RetryLogger logs each retry with fields identifying the operation.
func RetryLogger(operation string, fields ...zap.Field) func(int, error) {
	return func(retry int, err error) {
		zap.L().Warn("retrying operation", append([]zap.Field{
			zap.String("operation", operation),
			zap.Int("retry", retry),
			zap.String("error_class", ClassifyError(err)),
			zap.Error(err),
		}, fields...)...)
	}
}
