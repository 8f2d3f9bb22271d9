package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// scanBatch is the COUNT hint passed to SCAN when listing keys
const scanBatch = 200

// RedisKV implements KV for Redis
type RedisKV struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisOptions holds the connection settings for RedisKV
type RedisOptions struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
}

// NewRedisKV creates a new Redis-backed KV and verifies the connection
func NewRedisKV(opts RedisOptions, logger *zap.Logger) (*RedisKV, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("address", addr), zap.Int("db", opts.DB))

	return NewRedisKVFromClient(client, logger), nil
}

// NewRedisKVFromClient wraps an existing client
func NewRedisKVFromClient(client *redis.Client, logger *zap.Logger) *RedisKV {
	return &RedisKV{
		client: client,
		logger: logger,
	}
}

// Get retrieves a stored value
func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return value, nil
}

// Set stores a value without a Redis-side TTL; entry expiry lives in the value envelope
func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key
func (s *RedisKV) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Keys lists keys with the given prefix using SCAN
func (s *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}

	s.logger.Debug("Scanned Redis keys",
		zap.String("prefix", prefix),
		zap.Int("count", len(keys)))

	return keys, nil
}

// Ping checks the Redis connection
func (s *RedisKV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisKV) Close() error {
	return s.client.Close()
}
