package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldtrack/internal/config"
	"fieldtrack/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisNotifier keeps a capped list of notifications under one key.
type RedisNotifier struct {
	client *redis.Client
	key    string
	cap    int64
}

// NewRedisClient creates a Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisNotifier(client *redis.Client, key string, capacity int64) *RedisNotifier {
	if capacity <= 0 {
		capacity = 100
	}
	return &RedisNotifier{client: client, key: key, cap: capacity}
}

func (r *RedisNotifier) Notify(ctx context.Context, n models.Notification) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, r.key, data)
	pipe.LTrim(ctx, r.key, 0, r.cap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push notification to redis: %w", err)
	}
	return nil
}

func (r *RedisNotifier) Recent(ctx context.Context, limit int64) ([]models.Notification, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit <= 0 || limit > r.cap {
		limit = r.cap
	}
	vals, err := r.client.LRange(ctx, r.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications from redis: %w", err)
	}

	out := make([]models.Notification, 0, len(vals))
	for _, v := range vals {
		var n models.Notification
		if err := json.Unmarshal([]byte(v), &n); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
