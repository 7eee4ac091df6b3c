// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the key namespace shared with the rest of the platform.
const DefaultKeyPrefix = "device:"

// RedisConfig holds the settings for a Redis backed store.
type RedisConfig struct {
	URL          string        `json:"url" yaml:"url"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// RedisStore implements Store on top of Redis. Sessions live under
// <prefix>session:<deviceKey>, the client index under
// <prefix>client:id:<clientId> and the tracked keys in the set <prefix>sessions.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore parses cfg.URL, creates a client and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) sessionKey(key string) string {
	return s.prefix + "session:" + key
}

func (s *RedisStore) indexKey(clientID string) string {
	return s.prefix + "client:id:" + clientID
}

func (s *RedisStore) setKey() string {
	return s.prefix + "sessions"
}

// Put stores the session with SET EX semantics.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.sessionKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Get returns the stored session or ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// Delete removes the session key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.sessionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// PutIndex maps clientID to key.
func (s *RedisStore) PutIndex(ctx context.Context, clientID, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.indexKey(clientID), key, ttl).Err(); err != nil {
		return fmt.Errorf("redis set index %s: %w", clientID, err)
	}
	return nil
}

// LookupIndex resolves clientID to a device key.
func (s *RedisStore) LookupIndex(ctx context.Context, clientID string) (string, error) {
	key, err := s.client.Get(ctx, s.indexKey(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get index %s: %w", clientID, err)
	}
	return key, nil
}

// DeleteIndex removes the index entry for clientID.
func (s *RedisStore) DeleteIndex(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, s.indexKey(clientID)).Err(); err != nil {
		return fmt.Errorf("redis del index %s: %w", clientID, err)
	}
	return nil
}

// AddToSet adds key to the tracked session set.
func (s *RedisStore) AddToSet(ctx context.Context, key string) error {
	if err := s.client.SAdd(ctx, s.setKey(), key).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return nil
}

// RemoveFromSet removes key from the tracked session set.
func (s *RedisStore) RemoveFromSet(ctx context.Context, key string) error {
	if err := s.client.SRem(ctx, s.setKey(), key).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", key, err)
	}
	return nil
}

// ListAllKeys returns the members of the tracked session set in lexical order.
func (s *RedisStore) ListAllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
