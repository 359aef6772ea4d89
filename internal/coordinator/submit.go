// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/telemetry"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// =============================================================================
// INPUT
// =============================================================================

// Input is one user submission.
type Input struct {
	// Text is the question. Ignored when Form is set.
	Text string

	// Form holds the answers of a form-start chatflow.
	Form map[string]string

	// Uploads are inline attachments (images, audio).
	Uploads []model.FileUpload

	// Files are local paths stored through the attachments endpoint
	// before the question is sent.
	Files []string

	Action     *model.Action
	HumanInput *transport.HumanInput
}

// question returns the transcript text and the question to send. A form
// submission is shown as "key: value" lines and sends no question.
func (in Input) question() (display, question string) {
	if len(in.Form) == 0 {
		return in.Text, in.Text
	}
	keys := make([]string, 0, len(in.Form))
	for k := range in.Form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+in.Form[k])
	}
	return strings.Join(lines, "\n"), ""
}

func (in Input) empty() bool {
	return strings.TrimSpace(in.Text) == "" && len(in.Form) == 0 &&
		len(in.Uploads) == 0 && len(in.Files) == 0
}

// =============================================================================
// TURN
// =============================================================================

// Turn is the handle of one submission.
type Turn struct {
	ID    uint64
	Route Route

	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	outcome telemetry.Outcome
	err     error
}

func newTurn(id uint64, route Route) *Turn {
	return &Turn{ID: id, Route: route, done: make(chan struct{})}
}

// Done is closed when the turn has ended, for any reason.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Outcome returns how the turn ended. It is empty while the turn runs.
func (t *Turn) Outcome() telemetry.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Err returns the transport failure, if the turn failed.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Turn) ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// finish records the outcome. Only the first call has an effect.
func (t *Turn) finish(outcome telemetry.Outcome, err error) bool {
	first := false
	t.once.Do(func() {
		t.mu.Lock()
		t.outcome = outcome
		t.err = err
		t.mu.Unlock()
		close(t.done)
		first = true
	})
	return first
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit records the user's message, supersedes any turn in flight, and
// sends the question on the route the session calls for. It returns once
// the request is started; events are applied in the background.
func (c *Coordinator) Submit(ctx context.Context, in Input) (*Turn, error) {
	if in.empty() {
		return nil, ErrEmptyInput
	}

	uploads := append([]model.FileUpload(nil), in.Uploads...)
	if len(in.Files) > 0 {
		stored, err := c.backend.UploadAttachments(ctx, c.state.ConversationID(), in.Files)
		if err != nil {
			c.mu.Lock()
			c.serviceError = fmt.Errorf("%w: %v", ErrUploadFailed, err)
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
		}
		for _, f := range stored {
			uploads = append(uploads, model.FileUpload{
				Data: f.Content,
				Type: "file:full",
				Name: f.Name,
				Mime: f.MimeType,
			})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	// Supersede the previous turn before anything else is written.
	c.pending.cancel()
	c.turn++
	gen := c.turn
	c.soundPlayed = false
	c.serviceError = nil
	// Whatever the superseded turn wrote stays, but no longer waits.
	c.releasePlaceholderLocked()

	route := c.routeLocked()
	display, question := in.question()

	user := model.NewMessage(model.RoleUser, display)
	user.FileUploads = uploads
	c.state.AppendMessage(user)
	c.state.AppendPlaceholder()

	req := transport.PredictionRequest{
		Question:       question,
		ChatID:         c.state.ConversationID(),
		Uploads:        uploads,
		OverrideConfig: transport.OverrideConfig(c.cfg.OverrideConfig, c.cfg.User),
		LeadEmail:      c.leadEmail,
		Action:         in.Action,
		HumanInput:     in.HumanInput,
	}
	if len(in.Form) > 0 {
		form, err := json.Marshal(in.Form)
		if err == nil {
			req.Form = form
		}
	}

	kind := transport.KindSync
	if route == RouteStream {
		kind = transport.KindStream
	}

	c.transitionLocked(StateAwaitingResponse)
	op := c.backend.Send(ctx, req, kind)
	c.pending.set(gen, op)
	c.tracker.TurnStarted(gen, route.String())

	turn := newTurn(gen, route)
	c.consumers.Add(1)
	go c.consume(op, turn, question == "")

	c.logger.Debug().
		Uint64("turn", gen).
		Str("route", route.String()).
		Str("chat_id", req.ChatID).
		Msg("turn started")
	return turn, nil
}

// routeLocked picks the delivery path. Once an operator has been involved
// the handoff path is sticky until the backend answers as the model again.
func (c *Coordinator) routeLocked() Route {
	if c.state.Mode() == model.ModeOperatorPolling ||
		c.poller.Active() ||
		model.ContainsTransferNotice(c.state.Transcript()) {
		return RouteHandoff
	}
	if c.state.Mode() == model.ModeLLMStreaming {
		return RouteStream
	}
	return RouteSync
}

// consume applies the events of one operation. Events that arrive after
// a newer turn started are dropped.
func (c *Coordinator) consume(op *transport.Operation, turn *Turn, emptyQuestion bool) {
	defer c.consumers.Done()

	for ev := range op.Events() {
		c.mu.Lock()
		if turn.ID != c.turn {
			c.mu.Unlock()
			op.Cancel()
			continue
		}
		c.applyLocked(turn, ev, emptyQuestion)
		c.mu.Unlock()
	}

	// A turn without a terminal event was cancelled or superseded. A
	// cancelled turn that is still current must not leave the session
	// waiting on it.
	c.mu.Lock()
	if !c.closed && turn.ID == c.turn && !turn.ended() {
		c.releasePlaceholderLocked()
		c.settleLocked()
	}
	c.finishTurnLocked(turn, telemetry.OutcomeCancelled, nil)
	c.mu.Unlock()
	if err := op.Err(); err != nil && !isCancellation(err) {
		c.logger.Debug().Err(err).Uint64("turn", turn.ID).Msg("operation ended")
	}
}

// releasePlaceholderLocked drops the trailing placeholder when it is
// still empty and otherwise marks it final.
func (c *Coordinator) releasePlaceholderLocked() {
	last, ok := c.state.LastMessage()
	if !ok || !last.Pending {
		return
	}
	if !c.state.DropEmptyPlaceholder() {
		c.state.FinalizeLast()
	}
}

// finishTurnLocked closes the turn and records its stats.
func (c *Coordinator) finishTurnLocked(turn *Turn, outcome telemetry.Outcome, err error) {
	if !turn.finish(outcome, err) {
		return
	}
	c.pending.clear(turn.ID)
	stats, ok := c.tracker.TurnFinished(turn.ID, outcome, err)
	if ok {
		c.publishTurn(stats)
	}
	c.logger.Debug().Uint64("turn", turn.ID).Str("outcome", string(outcome)).Msg("turn finished")
}
