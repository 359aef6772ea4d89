// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/storage"
)

// recordingPersister remembers every saved record.
type recordingPersister struct {
	mu      sync.Mutex
	records []storage.Record
	err     error
}

func (p *recordingPersister) Save(_ context.Context, _ string, rec storage.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

func (p *recordingPersister) last() storage.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[len(p.records)-1]
}

func newTestState(p Persister) *State {
	return NewState(Config{ChatflowID: "flow", ConversationID: "conv-1", Persister: p})
}

func TestState_AppendPersistsAndNotifies(t *testing.T) {
	p := &recordingPersister{}
	s := newTestState(p)

	var seen []Snapshot
	unsub := s.Subscribe(func(snap Snapshot) { seen = append(seen, snap) })

	s.AppendMessage(model.NewMessage(model.RoleUser, "hi"))

	require.Len(t, seen, 1)
	assert.Equal(t, "hi", seen[0].Transcript[0].Text)
	assert.Equal(t, "conv-1", p.last().ChatID)
	assert.Len(t, p.last().ChatHistory, 1)

	unsub()
	s.AppendMessage(model.NewMessage(model.RoleUser, "again"))
	assert.Len(t, seen, 1, "unsubscribed observer must not be called")
}

func TestState_AppendPlaceholderNeverDoubles(t *testing.T) {
	s := newTestState(nil)

	s.AppendMessage(model.NewMessage(model.RoleUser, "q1"))
	assert.True(t, s.AppendPlaceholder())
	assert.False(t, s.AppendPlaceholder(), "second placeholder must be refused")

	s.AppendMessage(model.NewMessage(model.RoleUser, "q2"))
	assert.True(t, s.AppendPlaceholder())

	msgs := s.Transcript()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].IsEmptyPlaceholder() && msgs[i-1].IsEmptyPlaceholder() {
			t.Fatalf("adjacent placeholders at %d", i)
		}
	}
}

func TestState_UpdateLastMessageSkipsUser(t *testing.T) {
	s := newTestState(nil)

	assert.False(t, s.UpdateLastMessage(func(m *model.Message) { m.Text = "x" }), "empty transcript")

	s.AppendMessage(model.NewMessage(model.RoleUser, "question"))
	assert.False(t, s.UpdateLastMessage(func(m *model.Message) { m.Text = "overwritten" }))

	last, _ := s.LastMessage()
	assert.Equal(t, "question", last.Text)

	s.AppendPlaceholder()
	assert.True(t, s.UpdateLastMessage(func(m *model.Message) { m.AppendToken("answer") }))
	last, _ = s.LastMessage()
	assert.Equal(t, "answer", last.Text)
}

func TestState_SnapshotsAreImmutable(t *testing.T) {
	s := newTestState(nil)
	s.AppendPlaceholder()
	before := s.Snapshot()

	s.UpdateLastMessage(func(m *model.Message) { m.Text = "changed" })

	assert.Equal(t, "", before.Transcript[0].Text)
	assert.Greater(t, s.Snapshot().Version, before.Version)
}

func TestState_MergeMessages(t *testing.T) {
	s := newTestState(nil)
	s.AppendMessage(model.Message{ID: "u1", Role: model.RoleUser, Text: "q", DateTime: "2025-01-01T10:00:00.000Z"})

	incoming := []model.Message{
		{ID: "m2", Role: model.RoleAssistant, Text: "later", DateTime: "2025-01-01T10:00:05.000Z"},
		{ID: "m1", Role: model.RoleAssistant, Text: "earlier", DateTime: "2025-01-01T10:00:03.000Z"},
		{ID: "u1", Role: model.RoleUser, Text: "dup"},
		{Role: model.RoleAssistant, Text: "no identity"},
	}
	added := s.MergeMessages(incoming)
	require.Len(t, added, 2)

	var texts []string
	for _, m := range s.Transcript() {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"q", "earlier", "later"}, texts)

	v := s.Snapshot().Version
	assert.Nil(t, s.MergeMessages(incoming), "re-merge adds nothing")
	assert.Equal(t, v, s.Snapshot().Version, "re-merge must not change state")
}

func TestState_MergeKeepsPlaceholderLast(t *testing.T) {
	s := newTestState(nil)
	s.AppendMessage(model.NewMessage(model.RoleUser, "q"))
	require.True(t, s.AppendPlaceholder())

	added := s.MergeMessages([]model.Message{
		{ID: "op-9", Role: model.RoleAssistant, Text: "operator", DateTime: "2030-01-01T00:00:00.000Z"},
	})
	require.Len(t, added, 1)

	msgs := s.Transcript()
	require.Len(t, msgs, 3)
	assert.Equal(t, "operator", msgs[1].Text)
	assert.True(t, msgs[2].IsEmptyPlaceholder(), "unfinished placeholder must stay last")

	assert.True(t, s.DropEmptyPlaceholder())
	last, _ := s.LastMessage()
	assert.Equal(t, "operator", last.Text)
}

func TestState_MergeMessagesForIgnoresStaleConversation(t *testing.T) {
	s := newTestState(nil)
	rec := []model.Message{{ID: "op-1", Role: model.RoleAssistant, Text: "old", DateTime: "2025-01-01T10:00:00.000Z"}}

	s.Reset("conv-2", nil)
	assert.Nil(t, s.MergeMessagesFor("conv-1", rec))
	assert.Equal(t, 0, s.Len())

	require.Len(t, s.MergeMessagesFor("conv-2", rec), 1)
	assert.Equal(t, 1, s.Len())
}

func TestState_DropEmptyPlaceholder(t *testing.T) {
	s := newTestState(nil)
	s.AppendMessage(model.NewMessage(model.RoleUser, "q"))
	assert.False(t, s.DropEmptyPlaceholder())

	s.AppendPlaceholder()
	assert.True(t, s.DropEmptyPlaceholder())
	assert.Equal(t, 1, s.Len())
}

func TestState_SetRating(t *testing.T) {
	s := newTestState(nil)
	s.AppendMessage(model.Message{Role: model.RoleAssistant, MessageID: "msg-9", Text: "a"})

	assert.True(t, s.SetRating("msg-9", model.RatingThumbsUp))
	assert.False(t, s.SetRating("missing", model.RatingThumbsUp))

	last, _ := s.LastMessage()
	assert.Equal(t, model.RatingThumbsUp, last.Rating)
}

func TestState_ModeAndConversationID(t *testing.T) {
	p := &recordingPersister{}
	s := newTestState(p)

	s.SetMode(model.ModeOperatorPolling)
	assert.Equal(t, model.ModeOperatorPolling, s.Mode())

	s.SetConversationID("conv-2")
	assert.Equal(t, "conv-2", p.last().ChatID)

	n := len(p.records)
	s.SetConversationID("")
	s.SetMode(model.ModeOperatorPolling)
	assert.Len(t, p.records, n, "no-op changes are not persisted")
}

func TestState_LeadPersistedOnlyBySetLead(t *testing.T) {
	p := &recordingPersister{}
	s := newTestState(p)

	s.SetLead(&model.Lead{Email: "x@y.z"})
	require.NotNil(t, p.last().Lead)

	s.AppendMessage(model.NewMessage(model.RoleUser, "hi"))
	assert.Nil(t, p.last().Lead, "ordinary writes leave the stored lead alone")
	assert.Equal(t, "x@y.z", s.Lead().Email)
}

func TestState_ResetKeepsLead(t *testing.T) {
	s := newTestState(nil)
	s.SetLead(&model.Lead{Name: "Ann"})
	s.AppendMessage(model.NewMessage(model.RoleUser, "hi"))

	s.Reset("conv-new", []model.Message{{Role: model.RoleLeadCapture}})

	snap := s.Snapshot()
	assert.Equal(t, "conv-new", snap.ConversationID)
	assert.Len(t, snap.Transcript, 1)
	assert.Equal(t, "Ann", snap.Lead.Name)
}

func TestState_PersistErrorIsNotFatal(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	s := newTestState(p)
	s.AppendMessage(model.NewMessage(model.RoleUser, "hi"))
	assert.Equal(t, 1, s.Len())
}

func TestState_WithStore(t *testing.T) {
	store := storage.New(storage.NewMemoryBackend())
	s := newTestState(store)
	s.AppendMessage(model.NewMessage(model.RoleUser, "persist me"))

	rec, err := store.Load(context.Background(), "flow")
	require.NoError(t, err)
	require.Len(t, rec.ChatHistory, 1)
	assert.Equal(t, "persist me", rec.ChatHistory[0].Text)
}

func TestState_ConcurrentMutations(t *testing.T) {
	s := newTestState(&recordingPersister{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.AppendMessage(model.NewMessage(model.RoleUser, "q"))
		}()
		go func() {
			defer wg.Done()
			s.AppendPlaceholder()
		}()
	}
	wg.Wait()

	msgs := s.Transcript()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].IsEmptyPlaceholder() && msgs[i-1].IsEmptyPlaceholder() {
			t.Fatalf("adjacent placeholders at %d", i)
		}
	}
}

func TestState_ResolvePlaceholder(t *testing.T) {
	s := newTestState(nil)
	s.AppendMessage(model.NewMessage(model.RoleUser, "q"))
	s.AppendPlaceholder()

	answer := model.NewMessage(model.RoleAssistant, "a")
	assert.True(t, s.ResolvePlaceholder(answer))
	require.Equal(t, 2, s.Len())
	last, _ := s.LastMessage()
	assert.Equal(t, "a", last.Text)
	assert.False(t, last.Pending)

	assert.False(t, s.ResolvePlaceholder(model.NewMessage(model.RoleAssistant, "b")))
	assert.Equal(t, 3, s.Len())
}
