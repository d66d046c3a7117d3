package fs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/TFMV/drainage/lakehouse"
)

// RetryPolicy bounds how storage calls are retried.
type RetryPolicy struct {
	MaxAttempts       int           // total attempts including the first (default: 3)
	InitialBackoff    time.Duration // delay before the second attempt (default: 200ms)
	MaxBackoff        time.Duration // upper bound on any single delay (default: 5s)
	BackoffMultiplier float64       // growth factor between delays (default: 2.0)
	Timeout           time.Duration // per-attempt deadline (default: 30s)
	RequestsPerSecond float64       // 0 disables rate limiting
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           30 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = max(def.MaxBackoff, p.InitialBackoff)
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// RetryingGateway decorates a Gateway with per-call deadlines, bounded
// exponential backoff for retryable failures and optional rate limiting.
type RetryingGateway struct {
	next    Gateway
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryingGateway wraps next with policy.
func NewRetryingGateway(next Gateway, policy RetryPolicy, logger zerolog.Logger) *RetryingGateway {
	policy = policy.normalized()
	g := &RetryingGateway{
		next:   next,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
	if policy.RequestsPerSecond > 0 {
		burst := int(policy.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), burst)
	}
	return g
}

// Policy returns the effective policy.
func (g *RetryingGateway) Policy() RetryPolicy {
	return g.policy
}

// List implements Gateway.
func (g *RetryingGateway) List(ctx context.Context, bucket, prefix, token string, maxKeys int) (Page, error) {
	var page Page
	err := g.do(ctx, "list", prefix, func(ctx context.Context) error {
		var err error
		page, err = g.next.List(ctx, bucket, prefix, token, maxKeys)
		return err
	})
	return page, err
}

// Get implements Gateway.
func (g *RetryingGateway) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := g.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		data, err = g.next.Get(ctx, bucket, key)
		return err
	})
	return data, err
}

// Stat implements Gateway.
func (g *RetryingGateway) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	var info ObjectInfo
	err := g.do(ctx, "stat", key, func(ctx context.Context) error {
		var err error
		info, err = g.next.Stat(ctx, bucket, key)
		return err
	})
	return info, err
}

func (g *RetryingGateway) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	var lastErr error
	backoff := g.policy.InitialBackoff

	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("storage %s %q: %w", op, key, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.policy.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 1 {
				g.logger.Debug().Str("op", op).Str("key", key).Int("attempt", attempt).Msg("storage call succeeded after retry")
			}
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("storage %s %q: %w", op, key, ctx.Err())
		}

		// An attempt deadline without a storage classification is transient.
		if errors.Is(err, context.DeadlineExceeded) && !lakehouse.IsRetryable(err) {
			err = lakehouse.NewStorageError(op, key, lakehouse.ErrStorageAccess, err)
		}

		lastErr = err
		if !lakehouse.IsRetryable(err) {
			return err
		}
		if attempt == g.policy.MaxAttempts {
			break
		}

		g.logger.Warn().Err(err).Str("op", op).Str("key", key).
			Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying storage call")

		if err := g.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("storage %s %q: canceled during backoff: %w", op, key, err)
		}
		backoff = time.Duration(float64(backoff) * g.policy.BackoffMultiplier)
		if backoff > g.policy.MaxBackoff {
			backoff = g.policy.MaxBackoff
		}
	}

	return fmt.Errorf("storage %s %q failed after %d attempts: %w", op, key, g.policy.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
