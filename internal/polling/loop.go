// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package polling fetches operator messages while a human has the chat.
package polling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jeranaias/chatwidget/internal/model"
)

// DefaultInterval is the delay between fetches.
const DefaultInterval = 2 * time.Second

// Fetcher returns the raw message list newer than lastMessageID.
// *transport.Client satisfies it.
type Fetcher interface {
	FetchMessages(ctx context.Context, chatID, lastMessageID string) ([]byte, error)
}

// Transcript is the part of the session the loop reads and merges into.
// *session.State satisfies it.
type Transcript interface {
	ConversationID() string
	Transcript() []model.Message
	MergeMessagesFor(conversationID string, msgs []model.Message) []model.Message
}

// Config configures a Loop.
type Config struct {
	Fetcher    Fetcher
	Transcript Transcript
	Interval   time.Duration
	IsClosing  ClosingPredicate

	// OnMessages is called with the messages a tick added.
	OnMessages func(added []model.Message)

	// OnClosed is called after a closing phrase stopped the loop.
	OnClosed func()

	// Now is the clock, for tests.
	Now func() time.Time
}

// Loop polls for operator messages on a fixed interval. Start and Stop are
// idempotent and may be called from any goroutine, including callbacks.
type Loop struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.Mutex
	active         bool
	cancel         context.CancelFunc
	conversationID string

	// watermark is the newest message seen, by timestamp.
	wmMu   sync.Mutex
	wmID   string
	wmTime time.Time

	// tickMu keeps ticks from overlapping.
	tickMu sync.Mutex
}

// New creates a stopped loop.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.IsClosing == nil {
		cfg.IsClosing = PhraseMatcher()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Loop{
		cfg:    cfg,
		logger: log.With().Str("component", "polling").Logger(),
	}
}

// SetClosingPredicate swaps the closing test, e.g. after a config reload.
func (l *Loop) SetClosingPredicate(p ClosingPredicate) {
	if p == nil {
		return
	}
	l.mu.Lock()
	l.cfg.IsClosing = p
	l.mu.Unlock()
}

// Active reports whether the loop is running.
func (l *Loop) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Start begins polling for conversationID, ticking immediately. It returns
// false if the loop was already running.
func (l *Loop) Start(conversationID string) bool {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.active = true
	l.cancel = cancel
	l.conversationID = conversationID
	l.mu.Unlock()

	l.seedWatermark()
	l.logger.Info().Str("chat_id", conversationID).Dur("interval", l.cfg.Interval).Msg("operator polling started")

	go l.run(ctx)
	return true
}

// Stop halts polling. A tick in flight finishes its fetch but does not
// merge anything.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	cancel()
	l.logger.Info().Msg("operator polling stopped")
}

// Watermark returns the identity of the newest message seen.
func (l *Loop) Watermark() string {
	l.wmMu.Lock()
	defer l.wmMu.Unlock()
	return l.wmID
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one fetch-and-merge cycle and returns the messages it added.
// Failures are logged and otherwise ignored; the next tick retries.
func (l *Loop) Tick(ctx context.Context) []model.Message {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	owner := l.cfg.Transcript.ConversationID()
	chatID := owner
	if chatID == "" {
		l.mu.Lock()
		chatID = l.conversationID
		l.mu.Unlock()
	}

	raw, err := l.cfg.Fetcher.FetchMessages(ctx, chatID, l.Watermark())
	if err != nil {
		l.logger.Debug().Err(err).Msg("poll failed")
		return nil
	}
	records, err := Decode(raw)
	if err != nil {
		l.logger.Debug().Err(err).Msg("poll returned unreadable payload")
		return nil
	}

	now := l.cfg.Now()
	incoming := make([]model.Message, 0, len(records))
	for i := range records {
		if records[i].Identity() == "" {
			continue
		}
		incoming = append(incoming, records[i].ToMessage(now))
	}
	if len(incoming) == 0 || ctx.Err() != nil {
		return nil
	}

	// The merge is refused when the session moved to another conversation
	// while the fetch was in flight.
	added := l.cfg.Transcript.MergeMessagesFor(owner, incoming)
	if len(added) == 0 {
		return nil
	}
	l.advanceWatermark(added)

	if l.cfg.OnMessages != nil {
		l.cfg.OnMessages(added)
	}

	l.mu.Lock()
	isClosing := l.cfg.IsClosing
	l.mu.Unlock()
	for i := range added {
		if isClosing(added[i].Text) {
			l.logger.Info().Str("message_id", added[i].Identity()).Msg("operator closed the chat")
			l.Stop()
			if l.cfg.OnClosed != nil {
				l.cfg.OnClosed()
			}
			break
		}
	}
	return added
}

// seedWatermark starts from the newest message already in the transcript.
func (l *Loop) seedWatermark() {
	l.wmMu.Lock()
	l.wmID, l.wmTime = "", time.Time{}
	l.wmMu.Unlock()
	l.advanceWatermark(l.cfg.Transcript.Transcript())
}

// advanceWatermark moves to the newest candidate, never backwards. Local
// transfer notices are skipped because the backend does not know them.
func (l *Loop) advanceWatermark(msgs []model.Message) {
	l.wmMu.Lock()
	defer l.wmMu.Unlock()

	for i := range msgs {
		id := msgs[i].Identity()
		if id == "" || strings.HasPrefix(id, model.TransferIDPrefix) {
			continue
		}
		t := msgs[i].Time()
		if t.IsZero() {
			continue
		}
		if l.wmID == "" || t.After(l.wmTime) {
			l.wmID, l.wmTime = id, t
		}
	}
}
