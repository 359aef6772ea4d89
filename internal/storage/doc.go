// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat sessions across restarts.
//
// Each chatflow has one record under the key "<chatflowID>_EXTERNAL"
// holding the conversation id, the transcript, and the saved lead.
//
// # Key Types
//
//   - Store: Record semantics (merge on save, lenient load, clear keeping lead)
//   - Backend: Byte-level key/value store behind a Store
//   - Record: Persisted session state
//
// # Backends
//
//   - file: JSON files under ~/.chatwidget/history/ (default)
//   - sqlite: Local database via modernc.org/sqlite
//   - redis: Shared Redis, optional TTL
//   - postgres: Shared Postgres table via pgx
//   - memory: Process memory, for tests and ephemeral sessions
//
// # Usage
//
//	store, err := storage.Open(ctx, storage.Options{Backend: "sqlite", SQLitePath: path})
//	rec, err := store.Load(ctx, chatflowID)
//	err = store.Save(ctx, chatflowID, storage.Record{ChatID: rec.ChatID, ChatHistory: msgs})
package storage
