// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces chatwidget keys in a shared Redis.
const RedisKeyPrefix = "chatwidget:"

// RedisBackend stores records as Redis strings.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend connects to addr. A zero ttl keeps records forever.
func NewRedisBackend(ctx context.Context, addr string, ttl time.Duration) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisBackend{client: client, ttl: ttl}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, RedisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	return data, err
}

func (r *RedisBackend) Put(ctx context.Context, key string, data []byte) error {
	return r.client.Set(ctx, RedisKeyPrefix+key, data, r.ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, RedisKeyPrefix+key).Err()
}

func (r *RedisBackend) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, RedisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), RedisKeyPrefix))
	}
	return keys, iter.Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
