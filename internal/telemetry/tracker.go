// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks delivery statistics for chat sessions.
package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// SESSION STATS
// =============================================================================

// sessionIDCounter ensures unique session IDs even when created rapidly
var sessionIDCounter uint64

// maxRecentTurns bounds SessionStats.RecentTurns.
const maxRecentTurns = 10

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeHandoff   Outcome = "handoff"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// SessionStats aggregates counters for one chat session.
type SessionStats struct {
	ID         string    `json:"id"`
	ChatflowID string    `json:"chatflow_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`

	Turns          int `json:"turns"`
	StreamedTokens int `json:"streamed_tokens"`
	Failures       int `json:"failures"`
	Cancellations  int `json:"cancellations"`
	Handoffs       int `json:"handoffs"`
	PollTicks      int `json:"poll_ticks"`
	PolledMessages int `json:"polled_messages"`

	// TotalFirstToken sums the time to first token over streamed turns.
	TotalFirstToken time.Duration `json:"total_first_token"`
	FirstTokenTurns int           `json:"first_token_turns"`

	RecentTurns []TurnStats `json:"recent_turns"`
}

// AvgFirstToken returns the mean time to first token.
func (s *SessionStats) AvgFirstToken() time.Duration {
	if s.FirstTokenTurns == 0 {
		return 0
	}
	return s.TotalFirstToken / time.Duration(s.FirstTokenTurns)
}

// TurnStats describes one finished turn.
type TurnStats struct {
	Turn       uint64        `json:"turn"`
	Transport  string        `json:"transport"`
	Started    time.Time     `json:"started"`
	FirstToken time.Duration `json:"first_token,omitempty"`
	Duration   time.Duration `json:"duration"`
	Tokens     int           `json:"tokens"`
	Outcome    Outcome       `json:"outcome"`
	Error      string        `json:"error,omitempty"`
}

// =============================================================================
// TRACKER
// =============================================================================

// Tracker collects statistics for the current session. A nil *Tracker is
// valid and records nothing.
type Tracker struct {
	mu      sync.Mutex
	session *SessionStats
	turns   map[uint64]*TurnStats
	storage *StatsStorage
	now     func() time.Time
}

// NewTracker creates a tracker. storage may be nil to keep stats in memory.
func NewTracker(chatflowID string, storage *StatsStorage) *Tracker {
	t := &Tracker{
		turns:   make(map[uint64]*TurnStats),
		storage: storage,
		now:     time.Now,
	}
	t.session = t.newSession(chatflowID)
	return t
}

func (t *Tracker) newSession(chatflowID string) *SessionStats {
	return &SessionStats{
		ID:          generateSessionID(),
		ChatflowID:  chatflowID,
		StartTime:   t.now(),
		RecentTurns: make([]TurnStats, 0),
	}
}

// TurnStarted opens a turn.
func (t *Tracker) TurnStarted(turn uint64, transport string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session.Turns++
	t.turns[turn] = &TurnStats{
		Turn:      turn,
		Transport: transport,
		Started:   t.now(),
	}
}

// Token counts a streamed token and records the first-token latency.
func (t *Tracker) Token(turn uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.turns[turn]
	if ts == nil {
		return
	}
	if ts.Tokens == 0 {
		ts.FirstToken = t.now().Sub(ts.Started)
		t.session.TotalFirstToken += ts.FirstToken
		t.session.FirstTokenTurns++
	}
	ts.Tokens++
	t.session.StreamedTokens++
}

// TurnFinished closes a turn and returns its stats. It returns false if
// the turn was never started or already finished.
func (t *Tracker) TurnFinished(turn uint64, outcome Outcome, err error) (TurnStats, bool) {
	if t == nil {
		return TurnStats{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.turns[turn]
	if ts == nil {
		return TurnStats{}, false
	}
	delete(t.turns, turn)

	ts.Duration = t.now().Sub(ts.Started)
	ts.Outcome = outcome
	if err != nil {
		ts.Error = err.Error()
	}

	switch outcome {
	case OutcomeFailed:
		t.session.Failures++
	case OutcomeCancelled:
		t.session.Cancellations++
	case OutcomeHandoff:
		t.session.Handoffs++
	}

	t.session.RecentTurns = append(t.session.RecentTurns, *ts)
	if n := len(t.session.RecentTurns); n > maxRecentTurns {
		t.session.RecentTurns = t.session.RecentTurns[n-maxRecentTurns:]
	}
	return *ts, true
}

// Handoff counts an operator transfer that did not come from a turn.
func (t *Tracker) Handoff() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.session.Handoffs++
	t.mu.Unlock()
}

// PollTick counts a polling tick and the messages it merged.
func (t *Tracker) PollTick(added int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.session.PollTicks++
	t.session.PolledMessages += added
	t.mu.Unlock()
}

// Current returns a copy of the current session stats.
func (t *Tracker) Current() *SessionStats {
	if t == nil {
		return &SessionStats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return copySession(t.session)
}

// EndSession persists the current session and starts a new one.
func (t *Tracker) EndSession() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.session.EndTime = t.now()
	var err error
	if t.storage != nil {
		err = t.storage.Save(t.session)
	}
	t.session = t.newSession(t.session.ChatflowID)
	t.turns = make(map[uint64]*TurnStats)
	return err
}

// Save persists the current session without ending it.
func (t *Tracker) Save() error {
	if t == nil || t.storage == nil {
		return nil
	}
	t.mu.Lock()
	snap := copySession(t.session)
	t.mu.Unlock()
	return t.storage.Save(snap)
}

// copySession creates a deep copy of a session.
func copySession(src *SessionStats) *SessionStats {
	dst := *src
	dst.RecentTurns = make([]TurnStats, len(src.RecentTurns))
	copy(dst.RecentTurns, src.RecentTurns)
	return &dst
}

// generateSessionID generates a unique session ID.
func generateSessionID() string {
	now := time.Now()
	counter := atomic.AddUint64(&sessionIDCounter, 1)
	return now.Format("20060102-150405") + "-" + fmt.Sprintf("%d", counter)
}
