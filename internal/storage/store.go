// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists chat sessions across restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/util"
)

// KeySuffix is appended to the chatflow id to form the storage key.
const KeySuffix = "_EXTERNAL"

// Key returns the storage key for a chatflow.
func Key(chatflowID string) string {
	return chatflowID + KeySuffix
}

// =============================================================================
// RECORD
// =============================================================================

// Record is the persisted state of one chatflow's session.
type Record struct {
	ChatID      string          `json:"chatId,omitempty"`
	ChatHistory []model.Message `json:"chatHistory,omitempty"`
	Lead        *model.Lead     `json:"lead,omitempty"`
}

// Meta summarizes a stored session for listings.
type Meta struct {
	ChatflowID   string
	ChatID       string
	MessageCount int
	Preview      string
	UpdatedAt    time.Time
}

// =============================================================================
// BACKEND
// =============================================================================

// Backend is a byte-level key/value store.
// Get returns ErrRecordNotFound for unknown keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// =============================================================================
// STORE
// =============================================================================

// Store layers record semantics over a Backend: merged writes, lenient
// reads, and history clearing that keeps the lead.
type Store struct {
	backend Backend
	logger  zerolog.Logger

	// mu serializes read-modify-write cycles in Save.
	mu sync.Mutex
}

// New wraps a backend.
func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		logger:  log.With().Str("component", "storage").Logger(),
	}
}

// Load returns the stored record. A missing or unreadable record yields an
// empty one; only backend failures are returned as errors.
func (s *Store) Load(ctx context.Context, chatflowID string) (*Record, error) {
	data, err := s.backend.Get(ctx, Key(chatflowID))
	if errors.Is(err, ErrRecordNotFound) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", chatflowID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn().Err(err).Str("chatflow", chatflowID).Msg("discarding unreadable session record")
		return &Record{}, nil
	}
	return &rec, nil
}

// Save merges patch into the stored record. Zero fields of patch leave the
// stored values untouched; a non-nil empty ChatHistory clears the history.
func (s *Store) Save(ctx context.Context, chatflowID string, patch Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Load(ctx, chatflowID)
	if err != nil {
		return err
	}
	if patch.ChatID != "" {
		rec.ChatID = patch.ChatID
	}
	if patch.ChatHistory != nil {
		rec.ChatHistory = stripUploads(patch.ChatHistory)
	}
	if patch.Lead != nil {
		lead := *patch.Lead
		rec.Lead = &lead
	}
	return s.put(ctx, chatflowID, rec)
}

// ClearHistory drops everything except the lead.
func (s *Store) ClearHistory(ctx context.Context, chatflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Load(ctx, chatflowID)
	if err != nil {
		return err
	}
	if rec.Lead == nil {
		return s.Delete(ctx, chatflowID)
	}
	return s.put(ctx, chatflowID, &Record{Lead: rec.Lead})
}

// Delete removes the record entirely.
func (s *Store) Delete(ctx context.Context, chatflowID string) error {
	err := s.backend.Delete(ctx, Key(chatflowID))
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("delete %s: %w", chatflowID, err)
	}
	return nil
}

// List summarizes every stored session, newest first.
func (s *Store) List(ctx context.Context) ([]Meta, error) {
	keys, err := s.backend.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	metas := make([]Meta, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, KeySuffix) {
			continue
		}
		chatflowID := strings.TrimSuffix(key, KeySuffix)
		rec, err := s.Load(ctx, chatflowID)
		if err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("skipping session")
			continue
		}
		metas = append(metas, summarize(chatflowID, rec))
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) put(ctx context.Context, chatflowID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", chatflowID, err)
	}
	if err := s.backend.Put(ctx, Key(chatflowID), data); err != nil {
		return fmt.Errorf("save %s: %w", chatflowID, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// stripUploads removes inline upload data, which can be large base64 blobs.
func stripUploads(messages []model.Message) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		m = m.Clone()
		for j := range m.FileUploads {
			m.FileUploads[j] = m.FileUploads[j].StripData()
		}
		out[i] = m
	}
	return out
}

func summarize(chatflowID string, rec *Record) Meta {
	meta := Meta{
		ChatflowID:   chatflowID,
		ChatID:       rec.ChatID,
		MessageCount: len(rec.ChatHistory),
	}
	for i := range rec.ChatHistory {
		m := &rec.ChatHistory[i]
		if meta.Preview == "" && m.Role == model.RoleUser {
			meta.Preview = util.TruncateRunes(util.FirstLine(m.Text), 60)
		}
		if t := m.Time(); t.After(meta.UpdatedAt) {
			meta.UpdatedAt = t
		}
	}
	return meta
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrRecordNotFound is returned by backends for unknown keys.
// Use errors.Is(err, ErrRecordNotFound) to check for this error.
var ErrRecordNotFound = &StorageError{Message: "record not found"}

// StorageError represents a storage-related error.
type StorageError struct {
	Message string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing storage errors.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
