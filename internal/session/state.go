// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the single shared chat session state.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/storage"
)

// DefaultPersistTimeout bounds a single persistence write.
const DefaultPersistTimeout = 5 * time.Second

// Persister receives the session after every change.
// *storage.Store satisfies it.
type Persister interface {
	Save(ctx context.Context, chatflowID string, rec storage.Record) error
}

// Snapshot is a read-only copy of the session.
type Snapshot struct {
	ConversationID string
	Mode           model.Mode
	Transcript     []model.Message
	Lead           *model.Lead
	Version        uint64
}

// Observer is called after each change with the resulting snapshot.
type Observer func(Snapshot)

// =============================================================================
// STATE
// =============================================================================

// State owns the transcript, mode, and conversation id. Every mutation
// replaces the transcript slice rather than editing it in place, is mirrored
// to the Persister, and is announced to observers outside the lock.
type State struct {
	mu sync.Mutex

	chatflowID     string
	conversationID string
	mode           model.Mode
	transcript     []model.Message
	lead           *model.Lead
	version        uint64

	persister      Persister
	persistTimeout time.Duration

	observers map[int]Observer
	nextObsID int
	obsMu     sync.Mutex
	logger    zerolog.Logger
}

// Config configures a State.
type Config struct {
	ChatflowID     string
	ConversationID string
	Mode           model.Mode
	Persister      Persister
	PersistTimeout time.Duration
}

// NewState creates a session with an empty transcript.
func NewState(cfg Config) *State {
	if cfg.Mode == "" {
		cfg.Mode = model.ModeLLMSync
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &State{
		chatflowID:     cfg.ChatflowID,
		conversationID: cfg.ConversationID,
		mode:           cfg.Mode,
		persister:      cfg.Persister,
		persistTimeout: cfg.PersistTimeout,
		observers:      make(map[int]Observer),
		logger:         log.With().Str("component", "session").Str("chatflow", cfg.ChatflowID).Logger(),
	}
}

// =============================================================================
// READ SIDE
// =============================================================================

// Snapshot returns a copy of the current session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Transcript returns a copy of the messages.
func (s *State) Transcript() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMessages(s.transcript)
}

// LastMessage returns the final message, if any.
func (s *State) LastMessage() (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcript) == 0 {
		return model.Message{}, false
	}
	return s.transcript[len(s.transcript)-1].Clone(), true
}

// Len returns the number of messages.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcript)
}

// Mode returns the current transport mode.
func (s *State) Mode() model.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// ConversationID returns the backend conversation id.
func (s *State) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Lead returns the saved lead, if any.
func (s *State) Lead() *model.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lead == nil {
		return nil
	}
	lead := *s.lead
	return &lead
}

// ChatflowID returns the chatflow this session belongs to.
func (s *State) ChatflowID() string {
	return s.chatflowID
}

// =============================================================================
// OBSERVERS
// =============================================================================

// Subscribe registers fn and returns a function that removes it.
func (s *State) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *State) notify(snap Snapshot) {
	s.obsMu.Lock()
	fns := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// commitLocked bumps the version, persists, and returns the snapshot to
// announce once the lock is released. Persistence runs under the lock so
// writes reach the store in mutation order.
func (s *State) commitLocked(persistLead bool) Snapshot {
	s.version++
	snap := s.snapshotLocked()

	if s.persister != nil {
		rec := storage.Record{
			ChatID:      s.conversationID,
			ChatHistory: nonNil(snap.Transcript),
		}
		if persistLead {
			rec.Lead = snap.Lead
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		if err := s.persister.Save(ctx, s.chatflowID, rec); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist session")
		}
		cancel()
	}
	return snap
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		ConversationID: s.conversationID,
		Mode:           s.mode,
		Transcript:     cloneMessages(s.transcript),
		Version:        s.version,
	}
	if s.lead != nil {
		lead := *s.lead
		snap.Lead = &lead
	}
	return snap
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
