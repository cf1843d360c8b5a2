package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"recallbot/internal/config"
	"recallbot/internal/models"
)

const (
	remoteEventKeyPrefix = "recallbot:remote_event:"
	deliveryKeyPrefix    = "recallbot:delivery:"
)

// RedisCache keeps remote-event lookups and webhook delivery ids in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    ttl,
	}
}

// GetRemoteEvent returns nil, nil on a cache miss.
func (r *RedisCache) GetRemoteEvent(ctx context.Context, id string) (*models.RemoteEvent, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, remoteEventKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get remote event from redis: %w", err)
	}

	var ev models.RemoteEvent
	if err := json.Unmarshal([]byte(val), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote event: %w", err)
	}
	return &ev, nil
}

func (r *RedisCache) SetRemoteEvent(ctx context.Context, ev *models.RemoteEvent) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal remote event: %w", err)
	}
	if err := r.client.Set(ctx, remoteEventKeyPrefix+ev.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set remote event in redis: %w", err)
	}
	return nil
}

func (r *RedisCache) DeleteRemoteEvent(ctx context.Context, id string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, remoteEventKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete remote event from redis: %w", err)
	}
	return nil
}

// MarkDelivered records a webhook delivery id. It reports false when the id was already seen within ttl.
func (r *RedisCache) MarkDelivered(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	first, err := r.client.SetNX(ctx, deliveryKeyPrefix+id, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery in redis: %w", err)
	}
	return first, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
