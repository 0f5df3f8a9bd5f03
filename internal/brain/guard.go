package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/miles/internal/shared"
)

// ErrRateLimited wraps the last upstream error once rotation is exhausted.
var ErrRateLimited = errors.New("rate limited on every credential")

// RetryPolicy decides which errors are retried and how long to wait first.
type RetryPolicy struct {
	IsRetryable func(error) bool
	Backoff     func(attempt int) time.Duration
	MaxAttempts int
}

// RateLimitPolicy retries quota errors once per credential plus one, waiting
// a fixed cooldown before each retry.
func RateLimitPolicy(poolSize int, cooldown time.Duration) RetryPolicy {
	return RetryPolicy{
		IsRetryable: shared.IsRateLimitError,
		Backoff:     func(int) time.Duration { return cooldown },
		MaxAttempts: poolSize + 1,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	return p.IsRetryable != nil && p.IsRetryable(err)
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// Guard runs model calls against the current credential and rotates to the
// next one when the policy classifies a failure as retryable.
type Guard struct {
	pool    *CredentialPool
	policy  RetryPolicy
	factory ModelFactory
	logger  *slog.Logger

	mu       sync.Mutex
	model    Model
	modelKey string
}

// NewGuard builds a guard over pool. Models are created lazily per key.
func NewGuard(pool *CredentialPool, policy RetryPolicy, factory ModelFactory, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{pool: pool, policy: policy, factory: factory, logger: logger}
}

// PoolSize returns the number of credentials behind the guard.
func (g *Guard) PoolSize() int { return g.pool.Len() }

// currentModel returns the model for the key under the cursor, rebuilding it
// after a rotation.
func (g *Guard) currentModel(ctx context.Context) (Model, error) {
	key := g.pool.Current()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.model != nil && g.modelKey == key {
		return g.model, nil
	}
	m, err := g.factory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("configure model for key %d: %w", g.pool.Index(), err)
	}
	g.model, g.modelKey = m, key
	return m, nil
}

// Generate is Do with a single Generate call.
func (g *Guard) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return g.Do(ctx, func(ctx context.Context, m Model) (string, error) {
		return m.Generate(ctx, req)
	})
}

// Do runs call, retrying the same step after a rotation while the policy
// allows. Non-retryable errors are returned immediately.
func (g *Guard) Do(ctx context.Context, call func(context.Context, Model) (string, error)) (string, error) {
	attempts := g.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m, err := g.currentModel(ctx)
		if err != nil {
			return "", err
		}

		out, err := call(ctx, m)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !g.policy.retryable(err) {
			return "", err
		}
		if attempt == attempts {
			break
		}
		if g.pool.Len() <= 1 {
			g.logger.Warn("rate limited with a single credential, cannot rotate", "error", err)
			break
		}

		wait := g.policy.backoff(attempt)
		g.logger.Warn("rate limited, rotating credential", "attempt", attempt, "cooldown", wait, "error", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return "", err
		}
		g.pool.Rotate()
		g.logger.Info("credential rotated", "key_index", g.pool.Index())
	}
	return "", fmt.Errorf("%w: %w", ErrRateLimited, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
