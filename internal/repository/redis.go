package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offsync/internal/config"
	"offsync/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores values as plain redis strings without expiry.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + k
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, r.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// DeadLetter keeps a capped redis list of actions that ended up failed so an
// operator can inspect them after the local queue entry is deleted.
type DeadLetter struct {
	client *redis.Client
	key    string
	limit  int64
}

func NewDeadLetter(client *redis.Client, key string, limit int64) *DeadLetter {
	if key == "" {
		key = "offsync:deadletter"
	}
	if limit <= 0 {
		limit = 1000
	}
	return &DeadLetter{client: client, key: key, limit: limit}
}

type deadLetterEntry struct {
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Push records a raw event payload at the head of the list.
func (d *DeadLetter) Push(ctx context.Context, payload []byte) error {
	if d.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(deadLetterEntry{Payload: payload, RecordedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode deadletter entry: %w", err)
	}
	pipe := d.client.TxPipeline()
	pipe.LPush(ctx, d.key, data)
	pipe.LTrim(ctx, d.key, 0, d.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deadletter push: %w", err)
	}
	return nil
}

// Len returns the number of recorded entries.
func (d *DeadLetter) Len(ctx context.Context) (int64, error) {
	if d.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	return d.client.LLen(ctx, d.key).Result()
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
