package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ashureev/miles/internal/domain"
)

const (
	taskKeyPrefix    = "miles:task:"
	pendingListKey   = "miles:tasks:pending"
	defaultResultTTL = 24 * time.Hour
)

// RedisConfig holds configuration for the Redis backend.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	ResultTTL time.Duration
	// Prefix namespaces keys, mainly so tests do not collide.
	Prefix string
}

// RedisQueue stores each task in a hash and feeds workers from a list.
// Finished tasks expire after ResultTTL.
type RedisQueue struct {
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
	logger  *slog.Logger
	pending string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttl := cfg.ResultTTL
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisQueue{
		rdb:     rdb,
		ttl:     ttl,
		prefix:  cfg.Prefix,
		logger:  logger,
		pending: cfg.Prefix + pendingListKey,
	}, nil
}

func (q *RedisQueue) taskKey(id string) string {
	return q.prefix + taskKeyPrefix + id
}

// Ping checks if Redis is reachable.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Submit writes the task hash and pushes its ID in one transaction.
func (q *RedisQueue) Submit(ctx context.Context, workerName, prompt string) (string, error) {
	id := uuid.NewString()
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.taskKey(id),
			"worker_name", workerName,
			"prompt", prompt,
			"status", string(domain.StatusPending),
			"result", "",
			"artifacts", "[]",
			"created_at", now,
			"updated_at", now,
		)
		pipe.LPush(ctx, q.pending, id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	return id, nil
}

// Get returns the task, or a PENDING placeholder for unknown or expired IDs.
func (q *RedisQueue) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	fields, err := q.rdb.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return pendingRecord(id), nil
	}
	return decodeTask(id, fields)
}

// Claim blocks on the pending list for up to wait.
func (q *RedisQueue) Claim(ctx context.Context, wait time.Duration) (*domain.TaskRecord, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.pending).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("claim task: unexpected BRPOP reply %v", res)
	}

	id := res[1]
	rec, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.WorkerName == "" {
		q.logger.Warn("claimed task has no record, dropping", "task_id", id)
		return nil, nil
	}
	return rec, nil
}

// MarkStarted sets the task to STARTED.
func (q *RedisQueue) MarkStarted(ctx context.Context, id string) error {
	err := q.rdb.HSet(ctx, q.taskKey(id),
		"status", string(domain.StatusStarted),
		"updated_at", strconv.FormatInt(time.Now().UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

// Complete records the outcome and starts the result expiry clock.
func (q *RedisQueue) Complete(ctx context.Context, id string, out Outcome) error {
	artifacts := out.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}

	key := q.taskKey(id)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"status", string(out.Status),
			"result", out.Result,
			"artifacts", string(artifactsJSON),
			"updated_at", strconv.FormatInt(time.Now().UnixNano(), 10),
		)
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func decodeTask(id string, f map[string]string) (*domain.TaskRecord, error) {
	rec := &domain.TaskRecord{
		ID:         id,
		WorkerName: f["worker_name"],
		Prompt:     f["prompt"],
		Status:     domain.TaskStatus(f["status"]),
		Result:     f["result"],
	}
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}
	if raw := f["artifacts"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
		if len(rec.Artifacts) == 0 {
			rec.Artifacts = nil
		}
	}
	if ns, err := strconv.ParseInt(f["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.Unix(0, ns)
	}
	if ns, err := strconv.ParseInt(f["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.Unix(0, ns)
	}
	return rec, nil
}
