// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/telemetry"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// agentFlowInProgress is the agentFlowEvent status that opens a new step.
const agentFlowInProgress = "INPROGRESS"

// applyLocked folds one transport event into the session.
func (c *Coordinator) applyLocked(turn *Turn, ev transport.Event, emptyQuestion bool) {
	switch ev.Kind {
	case transport.EventStarted:
		c.logger.Debug().Uint64("turn", turn.ID).Msg("request accepted")

	case transport.EventToken:
		c.notifyLocked()
		c.tracker.Token(turn.ID)
		c.state.UpdateLastMessage(func(m *model.Message) {
			m.AppendToken(ev.Text)
			m.Rating = ""
			if m.DateTime == "" {
				m.DateTime = model.Now()
			}
		})

	case transport.EventSideChannel:
		if err := c.applySideChannelLocked(ev.Channel, ev.Payload, emptyQuestion); err != nil {
			c.logger.Warn().Err(err).Str("channel", ev.Channel).Msg("ignoring malformed stream payload")
		}

	case transport.EventCompleted:
		c.completeLocked(turn, ev.Response, emptyQuestion)

	case transport.EventFailed:
		c.failLocked(turn, ev.Err)
	}
}

// =============================================================================
// TERMINAL EVENTS
// =============================================================================

// completeLocked finishes a turn that produced an answer or a handoff.
func (c *Coordinator) completeLocked(turn *Turn, resp *transport.PredictionResponse, emptyQuestion bool) {
	if resp != nil && bool(resp.AutofaqMode) {
		c.enterHandoffLocked()
		c.finishTurnLocked(turn, telemetry.OutcomeHandoff, nil)
		return
	}

	if turn.Route == RouteHandoff {
		// A normal answer while handed off: the model is back.
		c.poller.Stop()
		c.stopHandoffTimerLocked()
		c.state.SetMode(c.baseMode)
		c.logger.Info().Msg("conversation returned to the assistant")
	}

	if resp == nil {
		c.state.FinalizeLast()
	} else {
		c.notifyLocked()
		c.state.ResolvePlaceholder(messageFromResponse(resp))
		c.applyMetadataLocked(resp.Metadata(), emptyQuestion)
	}

	c.settleLocked()
	c.finishTurnLocked(turn, telemetry.OutcomeCompleted, nil)
}

// enterHandoffLocked switches to operator mode after the backend said the
// conversation belongs to a human.
func (c *Coordinator) enterHandoffLocked() {
	c.state.DropEmptyPlaceholder()
	c.state.SetMode(model.ModeOperatorPolling)
	c.transitionLocked(StateOperatorHandoff)
	if c.poller.Start(c.state.ConversationID()) {
		c.logger.Info().Msg("backend handed the conversation to an operator")
	}
}

// failLocked surfaces a transport failure. The transcript is kept; an
// unanswered placeholder is removed so nothing looks stuck.
func (c *Coordinator) failLocked(turn *Turn, err error) {
	c.serviceError = err
	if !c.state.DropEmptyPlaceholder() {
		c.state.FinalizeLast()
	}
	c.settleLocked()
	c.finishTurnLocked(turn, telemetry.OutcomeFailed, err)
	c.logger.Error().Err(err).Uint64("turn", turn.ID).Msg("delivery failed")
}

// messageFromResponse builds the assistant message of a complete answer.
func messageFromResponse(resp *transport.PredictionResponse) model.Message {
	msg := model.NewMessage(model.RoleAssistant, resp.DisplayText())
	msg.ID = resp.ChatMessageID
	msg.MessageID = resp.ChatMessageID
	if resp.DateTime != "" {
		msg.DateTime = resp.DateTime
	}
	msg.SourceDocuments = model.DecodeEmbedded(resp.SourceDocuments)
	msg.UsedTools = model.DecodeEmbedded(resp.UsedTools)
	msg.FileAnnotations = model.DecodeEmbedded(resp.FileAnnotations)
	msg.AgentReasoning = model.DecodeEmbedded(resp.AgentReasoning)
	msg.AgentFlowExecutedData = model.DecodeEmbedded(resp.AgentFlowExecutedData)
	msg.Artifacts = model.DecodeEmbedded(resp.Artifacts)
	msg.FollowUpPrompts = model.DecodeEmbedded(resp.FollowUpPrompts)
	if action, err := model.NormalizeAction(resp.Action); err == nil {
		msg.Action = action
	}
	return msg
}

// =============================================================================
// SIDE CHANNEL
// =============================================================================

// applySideChannelLocked stores a non-token frame on the last assistant
// message. Errors describe payloads that could not be read.
func (c *Coordinator) applySideChannelLocked(channel string, payload json.RawMessage, emptyQuestion bool) error {
	switch channel {
	case transport.FrameSourceDocuments:
		c.setLastField(func(m *model.Message) { m.SourceDocuments = model.DecodeEmbedded(payload) })

	case transport.FrameUsedTools:
		c.setLastField(func(m *model.Message) { m.UsedTools = model.DecodeEmbedded(payload) })

	case transport.FrameFileAnnotations:
		c.setLastField(func(m *model.Message) { m.FileAnnotations = model.DecodeEmbedded(payload) })

	case transport.FrameAgentFlowExecutedData:
		c.setLastField(func(m *model.Message) { m.AgentFlowExecutedData = model.DecodeEmbedded(payload) })

	case transport.FrameArtifacts:
		c.setLastField(func(m *model.Message) { m.Artifacts = model.DecodeEmbedded(payload) })

	case transport.FrameAgentReasoning:
		reasoning, err := decodeStrict(payload)
		if err != nil {
			return err
		}
		c.setLastField(func(m *model.Message) { m.AgentReasoning = reasoning })

	case transport.FrameAction:
		action, err := model.NormalizeAction(payload)
		if err != nil {
			return err
		}
		c.setLastField(func(m *model.Message) { m.Action = action })

	case transport.FrameAgentFlowEvent:
		var status string
		if err := json.Unmarshal(payload, &status); err != nil {
			return fmt.Errorf("decode agent flow status: %w", err)
		}
		if status == agentFlowInProgress {
			// A new step reuses the open placeholder instead of stacking
			// a second empty one.
			c.state.AppendPlaceholder()
		}
		c.setLastField(func(m *model.Message) { m.AgentFlowEventStatus = status })

	case transport.FrameMetadata:
		var md transport.Metadata
		if err := json.Unmarshal(model.DecodeEmbedded(payload), &md); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
		c.applyMetadataLocked(md, emptyQuestion)

	case transport.FrameAbort:
		c.setLastField(func(m *model.Message) {
			if trimmed, ok := trimNextAgent(m.AgentReasoning); ok {
				m.AgentReasoning = trimmed
			}
		})

	case transport.FrameStart, transport.FrameNextAgent:
		// nothing to store

	default:
		c.logger.Debug().Str("channel", channel).Msg("unhandled stream frame")
	}
	return nil
}

// setLastField patches the last message unless it is the user's.
func (c *Coordinator) setLastField(patch func(*model.Message)) {
	c.state.UpdateLastMessage(patch)
}

// applyMetadataLocked stores ids and server timestamps. When the user sent
// no question text, the server's echo of it replaces the user entry.
func (c *Coordinator) applyMetadataLocked(md transport.Metadata, emptyQuestion bool) {
	if md.ChatID != "" {
		c.state.SetConversationID(md.ChatID)
	}

	if md.ChatMessageID != "" {
		c.state.UpdateLastMessage(func(m *model.Message) {
			if m.Role != model.RoleAssistant {
				return
			}
			m.MessageID = md.ChatMessageID
			if md.DateTime != "" {
				m.DateTime = md.DateTime
			}
		})
	}

	if emptyQuestion && md.Question != "" {
		transcript := c.state.Transcript()
		if i := len(transcript) - 2; i >= 0 && transcript[i].Role == model.RoleUser {
			c.state.UpdateMessage(i, func(m *model.Message) {
				m.Text = md.Question
				if md.UserMessageDateTime != "" {
					m.DateTime = md.UserMessageDateTime
				}
			})
		}
	}

	if len(md.FollowUpPrompts) > 0 && string(md.FollowUpPrompts) != "null" {
		prompts := model.DecodeEmbedded(md.FollowUpPrompts)
		c.state.UpdateLastMessage(func(m *model.Message) { m.FollowUpPrompts = prompts })
	}
}

// decodeStrict unwraps a JSON-encoded string payload, failing when the
// string does not hold JSON.
func decodeStrict(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw, nil
	}
	decoded := model.DecodeEmbedded(trimmed)
	if bytes.Equal(decoded, trimmed) {
		return nil, fmt.Errorf("payload is a string but not JSON")
	}
	return decoded, nil
}

// trimNextAgent drops reasoning entries that only announce a hand-over to
// another agent.
func trimNextAgent(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return raw, false
	}
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return raw, false
	}

	kept := make([]map[string]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if next, ok := e["nextAgent"]; ok && !isFalsy(next) {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(entries) {
		return raw, false
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return raw, false
	}
	return out, true
}

func isFalsy(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", "false", "0", `""`:
		return true
	}
	return false
}
