package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/chronicle/internal/domain"
)

const logKeyPrefix = "log:"

// KVStore is the Redis-backed key-value adapter. It persists envelope
// copies under log:<id> and doubles as the shared KV surface for breaker,
// rate-limit, idempotency, and metrics state.
type KVStore struct {
	client *redis.Client
	ttl    time.Duration // 0 = no expiry on log copies
}

// KVConfig holds connection settings for the key-value store.
type KVConfig struct {
	Addr     string
	Password string
	DB       int
	// LogTTLSeconds bounds the lifetime of log:<id> copies; 0 keeps them.
	LogTTLSeconds int
}

// NewKVStore connects to Redis and verifies connectivity.
func NewKVStore(ctx context.Context, cfg KVConfig) (*KVStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &KVStore{
		client: client,
		ttl:    time.Duration(cfg.LogTTLSeconds) * time.Second,
	}, nil
}

// NewKVStoreFromClient wraps an existing client; used by tests.
func NewKVStoreFromClient(client *redis.Client, logTTL time.Duration) *KVStore {
	return &KVStore{client: client, ttl: logTTL}
}

func (s *KVStore) Name() domain.Store { return domain.StoreKV }

// Client returns the underlying Redis client for direct access.
func (s *KVStore) Client() *redis.Client { return s.client }

// Write stores the serialized envelope under log:<id>.
func (s *KVStore) Write(ctx context.Context, rec *domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	if err := s.client.Set(ctx, logKeyPrefix+rec.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("kv write %s: %w", rec.ID, err)
	}
	return nil
}

// Has reports whether a copy of the record exists.
func (s *KVStore) Has(ctx context.Context, rec *domain.Record) (bool, error) {
	n, err := s.client.Exists(ctx, logKeyPrefix+rec.ID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRecord loads the envelope copy for an id.
func (s *KVStore) GetRecord(ctx context.Context, id string) (*domain.Record, error) {
	data, err := s.client.Get(ctx, logKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec domain.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

// Get implements the shared KV surface.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *KVStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *KVStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *KVStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KVStore) Close() error {
	return s.client.Close()
}
