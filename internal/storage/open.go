// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"time"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Dir         string
	SQLitePath  string
	RedisAddr   string
	RedisTTL    time.Duration
	DatabaseURL string
}

// Open builds a Store for the configured backend.
func Open(ctx context.Context, opts Options) (*Store, error) {
	var (
		backend Backend
		err     error
	)

	switch opts.Backend {
	case "", BackendFile:
		backend, err = NewFileBackend(opts.Dir)
	case BackendSQLite:
		backend, err = NewSQLiteBackend(opts.SQLitePath)
	case BackendRedis:
		backend, err = NewRedisBackend(ctx, opts.RedisAddr, opts.RedisTTL)
	case BackendPostgres:
		backend, err = NewPostgresBackend(ctx, opts.DatabaseURL)
	case BackendMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", opts.Backend, err)
	}
	return New(backend), nil
}
