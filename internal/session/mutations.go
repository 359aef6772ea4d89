// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"github.com/jeranaias/chatwidget/internal/model"
)

// AppendMessage adds msg to the end of the transcript.
func (s *State) AppendMessage(msg model.Message) {
	s.mu.Lock()
	s.transcript = appendCopy(s.transcript, msg)
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
}

// AppendPlaceholder adds an empty unfinished assistant message unless the
// last entry already is one. It reports whether a message was added.
func (s *State) AppendPlaceholder() bool {
	s.mu.Lock()
	if n := len(s.transcript); n > 0 && s.transcript[n-1].IsEmptyPlaceholder() {
		s.mu.Unlock()
		return false
	}
	s.transcript = appendCopy(s.transcript, model.NewPlaceholder())
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// UpdateLastMessage applies patch to a copy of the last message and stores
// the copy. It is a no-op when the transcript is empty or ends with a user
// message, so late events never rewrite what the user typed.
func (s *State) UpdateLastMessage(patch func(*model.Message)) bool {
	s.mu.Lock()
	n := len(s.transcript)
	if n == 0 || s.transcript[n-1].Role == model.RoleUser {
		s.mu.Unlock()
		return false
	}
	next := cloneMessages(s.transcript)
	patch(&next[n-1])
	s.transcript = next
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// UpdateMessage patches the message at index i. Used for the user question
// echoed back in metadata. Out of range indexes are ignored.
func (s *State) UpdateMessage(i int, patch func(*model.Message)) bool {
	s.mu.Lock()
	if i < 0 || i >= len(s.transcript) {
		s.mu.Unlock()
		return false
	}
	next := cloneMessages(s.transcript)
	patch(&next[i])
	s.transcript = next
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// ResolvePlaceholder replaces the trailing empty placeholder with msg, or
// appends msg when the transcript does not end with one. It reports whether
// a placeholder was replaced.
func (s *State) ResolvePlaceholder(msg model.Message) bool {
	s.mu.Lock()
	n := len(s.transcript)
	replaced := n > 0 && s.transcript[n-1].IsEmptyPlaceholder()
	if replaced {
		next := cloneMessages(s.transcript)
		next[n-1] = msg.Clone()
		s.transcript = next
	} else {
		s.transcript = appendCopy(s.transcript, msg)
	}
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return replaced
}

// ReplaceTranscript swaps in a whole new transcript.
func (s *State) ReplaceTranscript(msgs []model.Message) {
	s.mu.Lock()
	s.transcript = cloneMessages(msgs)
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
}

// MergeMessages appends the records whose identity is not yet present,
// then stable-sorts by DateTime. An unfinished placeholder at the tail
// stays last. It returns the records actually added; when none are new
// the state is left untouched.
func (s *State) MergeMessages(incoming []model.Message) []model.Message {
	s.mu.Lock()
	return s.mergeLocked(incoming)
}

// MergeMessagesFor merges only while conversationID is still the current
// conversation, so records fetched for a conversation that was reset in
// the meantime are discarded.
func (s *State) MergeMessagesFor(conversationID string, incoming []model.Message) []model.Message {
	s.mu.Lock()
	if s.conversationID != conversationID {
		s.mu.Unlock()
		return nil
	}
	return s.mergeLocked(incoming)
}

// mergeLocked expects s.mu held and releases it.
func (s *State) mergeLocked(incoming []model.Message) []model.Message {
	seen := model.IdentitySet(s.transcript)

	var added []model.Message
	for _, m := range incoming {
		id := m.Identity()
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
		}
		seen[id] = struct{}{}
		added = append(added, m.Clone())
	}
	if len(added) == 0 {
		s.mu.Unlock()
		return nil
	}

	next := cloneMessages(s.transcript)
	var live *model.Message
	if n := len(next); n > 0 && next[n-1].Pending {
		tail := next[n-1]
		live = &tail
		next = next[:n-1]
	}
	next = append(next, added...)
	model.SortByTime(next)
	if live != nil {
		next = append(next, *live)
	}
	s.transcript = next
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return added
}

// DropEmptyPlaceholder removes the last message if it is an empty,
// unfinished assistant placeholder.
func (s *State) DropEmptyPlaceholder() bool {
	s.mu.Lock()
	n := len(s.transcript)
	if n == 0 || !s.transcript[n-1].IsEmptyPlaceholder() {
		s.mu.Unlock()
		return false
	}
	s.transcript = cloneMessages(s.transcript[:n-1])
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// FinalizeLast marks the last message finished.
func (s *State) FinalizeLast() {
	s.UpdateLastMessage(func(m *model.Message) {
		m.Pending = false
	})
}

// SetRating records feedback on the message with the given identity.
func (s *State) SetRating(messageID, rating string) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.transcript {
		if s.transcript[i].Identity() == messageID || s.transcript[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	next := cloneMessages(s.transcript)
	next[idx].Rating = rating
	s.transcript = next
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
	return true
}

// SetMode switches the transport mode.
func (s *State) SetMode(mode model.Mode) {
	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
}

// SetConversationID updates the backend conversation id.
func (s *State) SetConversationID(id string) {
	s.mu.Lock()
	if id == "" || s.conversationID == id {
		s.mu.Unlock()
		return
	}
	s.conversationID = id
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
}

// SetLead stores the lead and persists it.
func (s *State) SetLead(lead *model.Lead) {
	s.mu.Lock()
	if lead != nil {
		l := *lead
		s.lead = &l
	} else {
		s.lead = nil
	}
	snap := s.commitLocked(true)
	s.mu.Unlock()
	s.notify(snap)
}

// Restore loads previously persisted state without writing it back.
func (s *State) Restore(conversationID string, transcript []model.Message, lead *model.Lead) {
	s.mu.Lock()
	if conversationID != "" {
		s.conversationID = conversationID
	}
	s.transcript = cloneMessages(transcript)
	if lead != nil {
		l := *lead
		s.lead = &l
	}
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// Reset starts a new conversation seeded with the given messages.
// The lead is kept.
func (s *State) Reset(conversationID string, seed []model.Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.transcript = cloneMessages(seed)
	snap := s.commitLocked(false)
	s.mu.Unlock()
	s.notify(snap)
}

// appendCopy returns a new slice so earlier snapshots stay valid.
func appendCopy(msgs []model.Message, msg model.Message) []model.Message {
	next := make([]model.Message, len(msgs), len(msgs)+1)
	copy(next, msgs)
	return append(next, msg.Clone())
}
