// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coordinator drives message delivery for a chat session.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/chatwidget/internal/logging"
	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/polling"
	"github.com/jeranaias/chatwidget/internal/session"
	"github.com/jeranaias/chatwidget/internal/storage"
	"github.com/jeranaias/chatwidget/internal/telemetry"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// DefaultHandoffDelay is the pause between a successful transfer and the
// first operator poll.
const DefaultHandoffDelay = time.Second

// =============================================================================
// COLLABORATORS
// =============================================================================

// Backend is the chatflow API used by the coordinator.
// *transport.Client satisfies it.
type Backend interface {
	Send(ctx context.Context, req transport.PredictionRequest, kind transport.Kind) *transport.Operation
	Transfer(ctx context.Context, req transport.TransferRequest) error
	FetchMessages(ctx context.Context, chatID, lastMessageID string) ([]byte, error)
	StreamingAvailable(ctx context.Context) (bool, error)
	ChatbotConfig(ctx context.Context) (*transport.ChatbotConfig, error)
	CreateFeedback(ctx context.Context, req transport.FeedbackRequest) (string, error)
	UpdateFeedback(ctx context.Context, feedbackID string, req transport.FeedbackUpdate) error
	AddLead(ctx context.Context, req transport.LeadRequest) error
	UploadAttachments(ctx context.Context, chatID string, paths []string) ([]transport.UploadedFile, error)
}

// History is the persisted mirror read at bootstrap and cleared on reset.
// *storage.Store satisfies it.
type History interface {
	Load(ctx context.Context, chatflowID string) (*storage.Record, error)
	ClearHistory(ctx context.Context, chatflowID string) error
}

// Notifier is told when an answer starts arriving. It is called at most
// once per turn and once per polling tick, and must return quickly.
type Notifier interface {
	MessageReceived()
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func()

// MessageReceived implements Notifier.
func (f NotifierFunc) MessageReceived() { f() }

// Config configures a Coordinator.
type Config struct {
	ChatflowID        string
	CustomerID        string
	AssistantGreeting string
	User              model.UserData

	// OverrideConfig is sent with every prediction, merged with User.
	OverrideConfig map[string]any

	HandoffDelay   time.Duration
	PollInterval   time.Duration
	ClosingPhrases []string

	Notifier  Notifier
	Tracker   *telemetry.Tracker
	Publisher telemetry.Publisher
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator chooses a transport for every turn, applies the resulting
// events to the session, and owns the operator polling loop.
type Coordinator struct {
	cfg       Config
	backend   Backend
	state     *session.State
	history   History
	poller    *polling.Loop
	tracker   *telemetry.Tracker
	publisher telemetry.Publisher
	logger    zerolog.Logger

	// mu guards everything below and serializes event application.
	mu           sync.Mutex
	phase        State
	baseMode     model.Mode
	turn         uint64
	epoch        uint64
	pending      *pendingOperation
	soundPlayed  bool
	serviceError error
	chatbot      *transport.ChatbotConfig
	streaming    bool
	leadEmail    string
	handoffTimer *time.Timer
	closed       bool
	unsubscribe  func()

	consumers sync.WaitGroup
}

// New creates an idle coordinator over state. history may be nil.
func New(backend Backend, state *session.State, history History, cfg Config) *Coordinator {
	if cfg.HandoffDelay <= 0 {
		cfg.HandoffDelay = DefaultHandoffDelay
	}
	if cfg.ChatflowID == "" {
		cfg.ChatflowID = state.ChatflowID()
	}

	c := &Coordinator{
		cfg:       cfg,
		backend:   backend,
		state:     state,
		history:   history,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		logger:    logging.Component("coordinator").With().Str("chatflow", cfg.ChatflowID).Logger(),
		phase:     StateIdle,
		baseMode:  model.ModeLLMSync,
		pending:   newPendingOperation(),
	}
	if mode := state.Mode(); mode.IsLLM() {
		c.baseMode = mode
	}

	c.poller = polling.New(polling.Config{
		Fetcher:    backend,
		Transcript: state,
		Interval:   cfg.PollInterval,
		IsClosing:  polling.PhraseMatcher(cfg.ClosingPhrases...),
		OnMessages: c.onPolledMessages,
		OnClosed:   c.onPollingClosed,
	})

	if c.publisher != nil {
		c.unsubscribe = state.Subscribe(c.publishSnapshot)
	}
	return c
}

// Session returns the session state the coordinator writes to.
func (c *Coordinator) Session() *session.State {
	return c.state
}

// SetClosingPhrases replaces the phrases that end operator polling.
func (c *Coordinator) SetClosingPhrases(phrases []string) {
	c.poller.SetClosingPredicate(polling.PhraseMatcher(phrases...))
}

// SetNotifier replaces the notifier. nil disables notifications.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	c.cfg.Notifier = n
	c.mu.Unlock()
}

// =============================================================================
// BOOTSTRAP
// =============================================================================

// Bootstrap restores the persisted session, checks the chatflow's
// capabilities, and greets the user when the transcript is empty.
// Backend failures are logged; the session stays usable in sync mode.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	rec := &storage.Record{}
	if c.history != nil {
		loaded, err := c.history.Load(ctx, c.cfg.ChatflowID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to load saved session")
		} else {
			rec = loaded
		}
	}

	streaming, err := c.backend.StreamingAvailable(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("streaming check failed, using sync delivery")
		streaming = false
	}
	chatbot, err := c.backend.ChatbotConfig(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load chatbot config")
		chatbot = nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	convID := rec.ChatID
	if convID == "" {
		convID = c.state.ConversationID()
	}
	if convID == "" {
		convID = model.NewConversationID(c.cfg.CustomerID)
	}
	transcript := model.WithoutLeadCapture(rec.ChatHistory)
	c.state.Restore(convID, transcript, rec.Lead)
	if rec.Lead != nil {
		c.leadEmail = rec.Lead.Email
	}

	c.streaming = streaming
	c.chatbot = chatbot
	c.baseMode = model.ModeLLMSync
	if streaming {
		c.baseMode = model.ModeLLMStreaming
	}
	c.state.SetMode(c.baseMode)

	if c.state.Len() == 0 {
		fio := c.cfg.User.FIO
		if fio == "" {
			fio = c.cfg.User.UserName
		}
		c.state.AppendMessage(model.NewMessage(model.RoleAssistant, model.Greeting(fio, c.cfg.AssistantGreeting)))
	}
	if chatbot != nil && chatbot.LeadsEnabled() && rec.Lead == nil {
		c.state.AppendMessage(model.Message{Role: model.RoleLeadCapture})
	}

	c.logger.Info().
		Str("chat_id", convID).
		Str("mode", string(c.baseMode)).
		Int("messages", c.state.Len()).
		Bool("handoff", model.ContainsTransferNotice(transcript)).
		Msg("session bootstrapped")
	return nil
}

// =============================================================================
// RESET AND CLOSE
// =============================================================================

// Reset starts a fresh conversation: polling stops, the in-flight turn is
// dropped without an error, and the saved history is cleared. The lead
// survives a reset.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.poller.Stop()
	c.stopHandoffTimerLocked()
	c.pending.cancel()
	c.turn++
	c.epoch++

	if c.history != nil {
		if err := c.history.ClearHistory(ctx, c.cfg.ChatflowID); err != nil {
			c.logger.Warn().Err(err).Msg("failed to clear saved history")
		}
	}

	var seed []model.Message
	if c.chatbot != nil && c.chatbot.LeadsEnabled() && c.state.Lead() == nil {
		seed = append(seed, model.Message{Role: model.RoleLeadCapture})
	}
	convID := model.NewConversationID(c.cfg.CustomerID)
	c.state.Reset(convID, seed)
	c.state.SetMode(c.baseMode)

	if c.phase != StateIdle {
		c.transitionLocked(StateIdle)
	}
	c.serviceError = nil
	c.soundPlayed = false

	c.logger.Info().Str("chat_id", convID).Msg("chat cleared")
	return nil
}

// Close cancels the in-flight turn and polling, and waits for event
// consumers to exit. The session state is left as is.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.poller.Stop()
	c.stopHandoffTimerLocked()
	c.pending.cancel()
	c.turn++
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.mu.Unlock()

	c.consumers.Wait()
}

// =============================================================================
// STATUS
// =============================================================================

// Status is a point-in-time view of the coordinator.
type Status struct {
	State          State
	Mode           model.Mode
	BaseMode       model.Mode
	ConversationID string
	Messages       int
	Turn           uint64
	InFlight       bool
	PollingActive  bool
	Watermark      string
	ServiceError   error

	Streaming       bool
	FeedbackEnabled bool
	LeadsEnabled    bool
	StarterPrompts  []string
	Uploads         *transport.UploadsConfig
}

// Status returns the current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.phase,
		Mode:           c.state.Mode(),
		BaseMode:       c.baseMode,
		ConversationID: c.state.ConversationID(),
		Messages:       c.state.Len(),
		Turn:           c.turn,
		InFlight:       c.pending.active(),
		PollingActive:  c.poller.Active(),
		Watermark:      c.poller.Watermark(),
		ServiceError:   c.serviceError,
		Streaming:      c.streaming,
	}
	if c.chatbot != nil {
		st.FeedbackEnabled = c.chatbot.FeedbackEnabled()
		st.LeadsEnabled = c.chatbot.LeadsEnabled()
		st.StarterPrompts = c.chatbot.Prompts()
		st.Uploads = c.chatbot.Uploads
	}
	return st
}

// State returns the delivery state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ServiceError returns the last transport failure, or nil. It is cleared
// by the next submission and by Reset.
func (c *Coordinator) ServiceError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serviceError
}

// =============================================================================
// HELPERS
// =============================================================================

// transitionLocked moves to the given state, refusing invalid moves.
func (c *Coordinator) transitionLocked(to State) error {
	if !isValidTransition(c.phase, to) {
		err := &transitionError{From: c.phase, To: to}
		c.logger.Warn().Err(err).Msg("state transition rejected")
		return err
	}
	if c.phase != to {
		c.logger.Debug().Str("from", string(c.phase)).Str("to", string(to)).Msg("state transition")
	}
	c.phase = to
	return nil
}

// settleLocked returns to Idle, or stays in OperatorHandoff while an
// operator owns the conversation.
func (c *Coordinator) settleLocked() {
	to := StateIdle
	if c.state.Mode() == model.ModeOperatorPolling {
		to = StateOperatorHandoff
	}
	if c.phase != to {
		c.transitionLocked(to)
	}
}

// notifyLocked plays the "message received" cue once per turn.
func (c *Coordinator) notifyLocked() {
	if c.soundPlayed {
		return
	}
	c.soundPlayed = true
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.MessageReceived()
	}
}

func (c *Coordinator) stopHandoffTimerLocked() {
	if c.handoffTimer != nil {
		c.handoffTimer.Stop()
		c.handoffTimer = nil
	}
}

func (c *Coordinator) publishSnapshot(snap session.Snapshot) {
	err := c.publisher.PublishTranscript(telemetry.TranscriptEvent{
		ChatflowID:     c.cfg.ChatflowID,
		ConversationID: snap.ConversationID,
		Mode:           snap.Mode,
		Version:        snap.Version,
		Messages:       snap.Transcript,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to publish transcript")
	}
}

func (c *Coordinator) publishTurn(stats telemetry.TurnStats) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.PublishTurn(telemetry.TurnEvent{
		ChatflowID:     c.cfg.ChatflowID,
		ConversationID: c.state.ConversationID(),
		Stats:          stats,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to publish turn")
	}
}

// isCancellation reports whether err came from a deliberate cancel.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
