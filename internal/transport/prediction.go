// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Send starts a prediction with the chosen transport and returns at once.
// The request's Streaming flag is set from kind.
func (c *Client) Send(ctx context.Context, req PredictionRequest, kind Kind) *Operation {
	op := newOperation(ctx, kind)
	req.Streaming = kind == KindStream

	go func() {
		defer op.finish()
		if c.chatflowID == "" {
			op.fail(ErrMissingChatflow)
			return
		}
		if kind == KindStream {
			c.runStream(op, req)
		} else {
			c.runSync(op, req)
		}
	}()
	return op
}

func (c *Client) predictionURL() string {
	return c.url("/api/v1/prediction/" + c.chatflowID)
}

// runSync posts the question and emits the decoded answer.
func (c *Client) runSync(op *Operation, req PredictionRequest) {
	httpReq, err := c.newRequest(op.ctx, http.MethodPost, c.predictionURL(), req)
	if err != nil {
		op.fail(err)
		return
	}
	if !op.emit(Event{Kind: EventStarted}) {
		return
	}

	resp, err := c.do(c.httpClient, httpReq)
	if err != nil {
		op.fail(fmt.Errorf("prediction: %w", err))
		return
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		op.fail(err)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		op.fail(newAPIError(resp, body))
		return
	}
	op.complete(decodePrediction(body))
}

// runStream posts the question and relays SSE frames. A JSON reply to a
// streaming request is a mode change (operator takeover) and completes the
// operation with the decoded body.
func (c *Client) runStream(op *Operation, req PredictionRequest) {
	httpReq, err := c.newRequest(op.ctx, http.MethodPost, c.predictionURL(), req)
	if err != nil {
		op.fail(err)
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(c.streamClient, httpReq)
	if err != nil {
		op.fail(fmt.Errorf("prediction stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := readResponse(resp)
		op.fail(newAPIError(resp, body))
		return
	}
	if !op.emit(Event{Kind: EventStarted}) {
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "text/event-stream") {
		body, err := readResponse(resp)
		if err != nil {
			op.fail(err)
			return
		}
		pred := decodePrediction(body)
		if isJSONContent(contentType) && bool(pred.AutofaqMode) {
			c.logger.Info().Msg("backend switched conversation to operator mode")
		}
		op.complete(pred)
		return
	}

	c.processStream(op, resp.Body)
}
