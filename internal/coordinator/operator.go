// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// Human input decisions for agent flow checkpoints.
const (
	humanInputProceed = "proceed"
	humanInputReject  = "reject"
)

// =============================================================================
// OPERATOR HANDOFF
// =============================================================================

// RequestOperator asks the backend to hand the conversation to a human.
// On success the last action is cleared, the transfer notice is appended,
// and polling starts after the handoff delay. label is sent as the user's
// message; empty means the default request text.
func (c *Coordinator) RequestOperator(ctx context.Context, label string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	req := transport.NewTransferRequest(c.state.ConversationID(), label, c.cfg.User)
	epoch := c.epoch
	c.mu.Unlock()

	err := c.backend.Transfer(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.epoch != epoch {
		// The chat was cleared while the request was out.
		c.logger.Debug().Msg("discarding transfer result for a cleared chat")
		return nil
	}
	if err != nil {
		c.serviceError = ErrTransferFailed
		c.logger.Error().Err(err).Str("chat_id", req.ChatID).Msg("operator transfer failed")
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	c.state.UpdateLastMessage(func(m *model.Message) { m.Action = nil })
	notice := model.NewMessage(model.RoleAssistant, model.TransferNotice)
	notice.ID = model.TransferIDPrefix + uuid.New().String()
	c.state.AppendMessage(notice)
	c.state.SetMode(model.ModeOperatorPolling)
	c.transitionLocked(StateOperatorHandoff)
	c.serviceError = nil
	c.tracker.Handoff()

	c.stopHandoffTimerLocked()
	convID := req.ChatID
	c.handoffTimer = time.AfterFunc(c.cfg.HandoffDelay, func() {
		c.startPollingAfterDelay(epoch, convID)
	})

	c.logger.Info().Str("chat_id", convID).Dur("delay", c.cfg.HandoffDelay).Msg("chat transferred to operator")
	return nil
}

// startPollingAfterDelay starts polling unless the chat moved on while the
// timer was pending.
func (c *Coordinator) startPollingAfterDelay(epoch uint64, convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handoffTimer = nil
	if c.closed || c.epoch != epoch || c.state.Mode() != model.ModeOperatorPolling {
		return
	}
	c.poller.Start(convID)
}

// onPolledMessages runs on the polling goroutine after a tick merged
// messages.
func (c *Coordinator) onPolledMessages(added []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.tracker.PollTick(len(added))

	for i := range added {
		if added[i].Role == model.RoleAssistant {
			// Each tick with news from the operator gets its own cue.
			if c.cfg.Notifier != nil {
				c.cfg.Notifier.MessageReceived()
			}
			break
		}
	}
}

// onPollingClosed runs after the operator closed the conversation. The
// transfer notice stays in the transcript, so later turns keep using the
// handoff path.
func (c *Coordinator) onPollingClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHandoffTimerLocked()
	if c.phase == StateOperatorHandoff {
		c.transitionLocked(StateIdle)
	}
	c.logger.Info().Str("chat_id", c.state.ConversationID()).Msg("operator closed the chat")
}

// =============================================================================
// ACTIONS
// =============================================================================

// ClickAction handles a button of the last assistant message. Operator
// buttons request a handoff and return a nil Turn. Agent flow buttons
// answer the checkpoint with proceed or reject; feedback is the optional
// comment. Any other button submits its label together with action.
func (c *Coordinator) ClickAction(ctx context.Context, el model.ActionElement, action *model.Action, feedback string) (*Turn, error) {
	if el.IsOperatorHandoff() {
		label := el.Label
		if label == "" {
			label = model.DefaultHandoffMessage
		}
		return nil, c.RequestOperator(ctx, label)
	}

	c.mu.Lock()
	c.state.UpdateLastMessage(func(m *model.Message) { m.Action = nil })
	c.mu.Unlock()

	if el.IsAgentflowCheckpoint() {
		if action == nil {
			return nil, nil
		}
		decision := humanInputReject
		if el.IsApprove() {
			decision = humanInputProceed
		}
		question := feedback
		if question == "" {
			question = capitalize(decision)
		}
		return c.Submit(ctx, Input{
			Text: question,
			HumanInput: &transport.HumanInput{
				Type:        decision,
				StartNodeID: action.NodeID(),
				Feedback:    feedback,
			},
		})
	}

	return c.Submit(ctx, Input{Text: el.Label, Action: action})
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
