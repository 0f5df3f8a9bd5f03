package brain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel answers with fn and remembers which key built it.
type fakeModel struct {
	key string
	fn  func(key string, req GenerateRequest) (string, error)
}

func (m *fakeModel) Generate(_ context.Context, req GenerateRequest) (string, error) {
	return m.fn(m.key, req)
}

// fakeFactory counts model constructions per key.
type fakeFactory struct {
	mu    sync.Mutex
	built []string
	fn    func(key string, req GenerateRequest) (string, error)
}

func (f *fakeFactory) factory() ModelFactory {
	return func(_ context.Context, key string) (Model, error) {
		f.mu.Lock()
		f.built = append(f.built, key)
		f.mu.Unlock()
		return &fakeModel{key: key, fn: f.fn}, nil
	}
}

func noWait(poolSize int) RetryPolicy {
	return RateLimitPolicy(poolSize, 0)
}

func TestNewCredentialPool(t *testing.T) {
	pool, err := NewCredentialPool("a", " b ", "a", "", "YOUR_GEMINI_API_KEY", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, pool.Len())
	assert.Equal(t, "a", pool.Current())

	assert.True(t, pool.Rotate())
	assert.Equal(t, "b", pool.Current())
	assert.True(t, pool.Rotate())
	assert.True(t, pool.Rotate())
	assert.Equal(t, "a", pool.Current())
	assert.Equal(t, 0, pool.Index())

	_, err = NewCredentialPool("", "YOUR_KEY_HERE")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestCredentialPool_SingleKeyDoesNotRotate(t *testing.T) {
	pool, err := NewCredentialPool("only")
	require.NoError(t, err)
	assert.False(t, pool.Rotate())
	assert.Equal(t, "only", pool.Current())
}

func TestGuard_RotatesOnRateLimit(t *testing.T) {
	pool, err := NewCredentialPool("k1", "k2", "k3")
	require.NoError(t, err)

	ff := &fakeFactory{fn: func(key string, _ GenerateRequest) (string, error) {
		if key == "k3" {
			return "ok from " + key, nil
		}
		return "", errors.New("Error 429: RESOURCE_EXHAUSTED")
	}}
	g := NewGuard(pool, noWait(pool.Len()), ff.factory(), nil)

	out, err := g.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok from k3", out)
	assert.Equal(t, []string{"k1", "k2", "k3"}, ff.built)
	assert.Equal(t, 2, pool.Index())
}

func TestGuard_BoundedAttempts(t *testing.T) {
	pool, err := NewCredentialPool("k1", "k2")
	require.NoError(t, err)

	calls := 0
	ff := &fakeFactory{fn: func(string, GenerateRequest) (string, error) {
		calls++
		return "", errors.New("429 Too Many Requests")
	}}
	g := NewGuard(pool, noWait(pool.Len()), ff.factory(), nil)

	_, err = g.Generate(context.Background(), GenerateRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestGuard_NonRetryableAbortsImmediately(t *testing.T) {
	pool, err := NewCredentialPool("k1", "k2")
	require.NoError(t, err)

	calls := 0
	boom := errors.New("invalid argument")
	ff := &fakeFactory{fn: func(string, GenerateRequest) (string, error) {
		calls++
		return "", boom
	}}
	g := NewGuard(pool, noWait(pool.Len()), ff.factory(), nil)

	_, err = g.Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, pool.Index())
}

func TestGuard_SingleKeyStopsAfterFirstRateLimit(t *testing.T) {
	pool, err := NewCredentialPool("k1")
	require.NoError(t, err)

	calls := 0
	ff := &fakeFactory{fn: func(string, GenerateRequest) (string, error) {
		calls++
		return "", errors.New("quota exceeded")
	}}
	g := NewGuard(pool, noWait(pool.Len()), ff.factory(), nil)

	_, err = g.Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, calls)
}

func TestGuard_CooldownHonoursContext(t *testing.T) {
	pool, err := NewCredentialPool("k1", "k2")
	require.NoError(t, err)

	ff := &fakeFactory{fn: func(string, GenerateRequest) (string, error) {
		return "", errors.New("429")
	}}
	g := NewGuard(pool, RateLimitPolicy(pool.Len(), time.Hour), ff.factory(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Generate(ctx, GenerateRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_CustomPolicy(t *testing.T) {
	pool, err := NewCredentialPool("k1", "k2")
	require.NoError(t, err)

	flaky := errors.New("flaky")
	var waits []int
	policy := RetryPolicy{
		IsRetryable: func(err error) bool { return errors.Is(err, flaky) },
		Backoff: func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return 0
		},
		MaxAttempts: 2,
	}
	ff := &fakeFactory{fn: func(key string, _ GenerateRequest) (string, error) {
		if key == "k1" {
			return "", flaky
		}
		return "done", nil
	}}
	g := NewGuard(pool, policy, ff.factory(), nil)

	out, err := g.Generate(context.Background(), GenerateRequest{})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []int{1}, waits)
}
