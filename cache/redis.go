package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/models"
)

const keyPrefix = "address:"

// RedisConfig holds connection settings for the shared address store.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger logrus.FieldLogger) (*redis.Client, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "6379"
	}

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.WithField("addr", addr).Info("Connected to Redis successfully.")
	return rdb, nil
}

// kv is the part of the Redis client the store needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps resolved addresses in Redis with no expiry.
type RedisStore struct {
	client kv
}

// NewRedisStore wraps a Redis client (or anything with the same Get/Set).
func NewRedisStore(client kv) *RedisStore {
	return &RedisStore{client: client}
}

// Get returns the stored address for key. ok is false on a miss.
func (s *RedisStore) Get(ctx context.Context, key string) (models.AddressInfo, bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AddressInfo{}, false, nil
	}
	if err != nil {
		return models.AddressInfo{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var info models.AddressInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return models.AddressInfo{}, false, fmt.Errorf("decode cached address %s: %w", key, err)
	}
	return info, true, nil
}

// Put stores info under key.
func (s *RedisStore) Put(ctx context.Context, key string, info models.AddressInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode address %s: %w", key, err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
