package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/miles/internal/config"
	"github.com/ashureev/miles/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteQueue {
	t.Helper()
	q, err := NewSQLite(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// setupRedis connects to REDIS_ADDR (default localhost:6379).
// Requires a running Redis server; skipped otherwise.
func setupRedis(t *testing.T) *RedisQueue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	q, err := NewRedis(RedisConfig{Addr: addr, ResultTTL: time.Minute, Prefix: "test:" + t.Name() + ":"}, nil)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		q.rdb.Del(context.Background(), q.pending)
		_ = q.Close()
	})
	return q
}

// exerciseQueue runs the lifecycle every backend must honour.
func exerciseQueue(t *testing.T, q Queue) {
	ctx := context.Background()

	rec, err := q.Get(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.False(t, rec.Ready())

	first, err := q.Submit(ctx, domain.WorkerRAGSearch, "fusion news")
	require.NoError(t, err)
	second, err := q.Submit(ctx, domain.Worker3DGenerator, "red mug")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	rec, err = q.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, "fusion news", rec.Prompt)

	claimed, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.ID)
	assert.Equal(t, domain.WorkerRAGSearch, claimed.WorkerName)

	require.NoError(t, q.MarkStarted(ctx, first))
	rec, err = q.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStarted, rec.Status)

	require.NoError(t, q.Complete(ctx, first, Succeeded("report", "/tmp/a.png", "/tmp/a.glb")))
	rec, err = q.Get(ctx, first)
	require.NoError(t, err)
	assert.True(t, rec.Ready())
	assert.True(t, rec.Successful())
	assert.Equal(t, "report", rec.Result)
	assert.Equal(t, []string{"/tmp/a.png", "/tmp/a.glb"}, rec.Artifacts)

	claimed, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second, claimed.ID)
	require.NoError(t, q.Complete(ctx, second, Failed(errors.New("sf3d offline"))))
	rec, err = q.Get(ctx, second)
	require.NoError(t, err)
	assert.True(t, rec.Ready())
	assert.False(t, rec.Successful())
	assert.Equal(t, "Error: sf3d offline", rec.Result)

	claimed, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestSQLiteQueue_Lifecycle(t *testing.T) {
	exerciseQueue(t, newSQLite(t))
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	exerciseQueue(t, setupRedis(t))
}

func TestSQLiteQueue_ConcurrentClaimsAreExclusive(t *testing.T) {
	q := newSQLite(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		_, err := q.Submit(ctx, domain.WorkerRAGSearch, "q")
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := q.Claim(ctx, 50*time.Millisecond)
				if !assert.NoError(t, err) || rec == nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "task %s claimed more than once", id)
	}
}

func TestSQLiteQueue_ClaimHonoursContext(t *testing.T) {
	q := newSQLite(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Claim(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(config.QueueConfig{Backend: "kafka"}, nil)
	assert.Error(t, err)

	q, err := Open(config.QueueConfig{Backend: config.QueueSQLite, DBPath: filepath.Join(t.TempDir(), "q.db")}, nil)
	require.NoError(t, err)
	assert.NoError(t, q.Ping(context.Background()))
	assert.NoError(t, q.Close())
}
