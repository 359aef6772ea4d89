// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"context"
	"fmt"

	"github.com/jeranaias/chatwidget/internal/model"
	"github.com/jeranaias/chatwidget/internal/transport"
)

// Rate sends a thumbs up or down for an assistant message and records it
// in the session. content is an optional comment, attached with a second
// request once the feedback entry exists.
func (c *Coordinator) Rate(ctx context.Context, messageID, rating, content string) error {
	if rating != model.RatingThumbsUp && rating != model.RatingThumbsDown {
		return ErrInvalidRating
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.chatbot != nil && !c.chatbot.FeedbackEnabled() {
		c.mu.Unlock()
		return ErrFeedbackDisabled
	}
	req := transport.FeedbackRequest{
		ChatflowID: c.cfg.ChatflowID,
		ChatID:     c.state.ConversationID(),
		MessageID:  messageID,
		Rating:     rating,
		FIO:        c.cfg.User.FIO,
		Email:      c.cfg.User.Email,
	}
	c.mu.Unlock()

	id, err := c.backend.CreateFeedback(ctx, req)
	if err != nil {
		return fmt.Errorf("create feedback: %w", err)
	}
	if content != "" && id != "" {
		update := transport.FeedbackUpdate{Content: content, FIO: req.FIO, Email: req.Email}
		if err := c.backend.UpdateFeedback(ctx, id, update); err != nil {
			return fmt.Errorf("update feedback %s: %w", id, err)
		}
	}

	if !c.state.SetRating(messageID, rating) {
		c.logger.Debug().Str("message_id", messageID).Msg("rated message is not in the transcript")
	}
	c.logger.Info().Str("message_id", messageID).Str("rating", rating).Msg("feedback sent")
	return nil
}

// SubmitLead sends the lead form and saves the lead. Its email is attached
// to every later prediction.
func (c *Coordinator) SubmitLead(ctx context.Context, lead model.Lead) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	req := transport.LeadRequest{
		ChatflowID: c.cfg.ChatflowID,
		ChatID:     c.state.ConversationID(),
		Name:       lead.Name,
		Email:      lead.Email,
		Phone:      lead.Phone,
	}
	c.mu.Unlock()

	if err := c.backend.AddLead(ctx, req); err != nil {
		return fmt.Errorf("add lead: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SetLead(&lead)
	c.leadEmail = lead.Email
	c.dropLeadCaptureLocked()
	return nil
}

// dropLeadCaptureLocked removes the lead form entries once a lead is saved.
func (c *Coordinator) dropLeadCaptureLocked() {
	transcript := c.state.Transcript()
	kept := make([]model.Message, 0, len(transcript))
	for _, m := range transcript {
		if m.Role != model.RoleLeadCapture {
			kept = append(kept, m)
		}
	}
	if len(kept) != len(transcript) {
		c.state.ReplaceTranscript(kept)
	}
}
