// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Stream frame names sent by the backend.
const (
	FrameStart                 = "start"
	FrameToken                 = "token"
	FrameSourceDocuments       = "sourceDocuments"
	FrameUsedTools             = "usedTools"
	FrameFileAnnotations       = "fileAnnotations"
	FrameAgentReasoning        = "agentReasoning"
	FrameAgentFlowEvent        = "agentFlowEvent"
	FrameAgentFlowExecutedData = "agentFlowExecutedData"
	FrameNextAgent             = "nextAgent"
	FrameAction                = "action"
	FrameArtifacts             = "artifacts"
	FrameMetadata              = "metadata"
	FrameError                 = "error"
	FrameAbort                 = "abort"
	FrameEnd                   = "end"
)

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadEvent returns the next event name and its joined data lines.
// It returns io.EOF once the stream is exhausted.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var (
		eventType string
		dataLines [][]byte
	)

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte(":")):
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[len("data:"):]))
		}

		if err != nil {
			// Final line without trailing newline.
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// =============================================================================
// STREAM PROCESSING
// =============================================================================

// frame is the JSON envelope carried in each SSE data block.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// processStream relays frames until end, abort, error, or EOF.
func (c *Client) processStream(op *Operation, body io.Reader) {
	reader := NewSSEReader(body)

	for {
		if op.ctx.Err() != nil {
			return
		}

		name, data, err := reader.ReadEvent()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Connection closed without an end frame: treat as complete.
				op.complete(nil)
				return
			}
			op.fail(&StreamError{Err: err})
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			op.complete(nil)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn().Err(err).Str("event", name).Msg("skipping malformed stream frame")
			continue
		}
		if f.Event == "" {
			f.Event = name
		}

		switch f.Event {
		case FrameToken:
			text := decodeText(f.Data)
			if text == "" {
				continue
			}
			if !op.emit(Event{Kind: EventToken, Text: text}) {
				return
			}

		case FrameError:
			op.fail(fmt.Errorf("%w: %s", ErrStreamFailed, decodeText(f.Data)))
			return

		case FrameAbort:
			if !op.emit(Event{Kind: EventSideChannel, Channel: FrameAbort, Payload: f.Data}) {
				return
			}
			op.complete(nil)
			return

		case FrameEnd:
			op.complete(nil)
			return

		case "":
			c.logger.Debug().Msg("skipping unnamed stream frame")

		default:
			if !op.emit(Event{Kind: EventSideChannel, Channel: f.Event, Payload: f.Data}) {
				return
			}
		}
	}
}

// decodeText returns the string held in raw, or raw itself when it is not
// a JSON string.
func decodeText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// StreamError wraps a read failure in the middle of a stream.
type StreamError struct {
	Err error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}
