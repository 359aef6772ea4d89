// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package polling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/chatwidget/internal/model"
)

// ID accepts identifiers sent as JSON strings or numbers.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Record is one message as returned by the operator message endpoint.
type Record struct {
	ID              ID              `json:"id"`
	MessageID       ID              `json:"messageId"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	Message         string          `json:"message"`
	CreatedDate     json.RawMessage `json:"createdDate"`
	SourceDocuments json.RawMessage `json:"sourceDocuments"`
	UsedTools       json.RawMessage `json:"usedTools"`
	FileAnnotations json.RawMessage `json:"fileAnnotations"`
	AgentReasoning  json.RawMessage `json:"agentReasoning"`
	Action          json.RawMessage `json:"action"`
	Artifacts       json.RawMessage `json:"artifacts"`
	Feedback        json.RawMessage `json:"feedback"`
}

// Identity returns id, else messageId.
func (r *Record) Identity() string {
	if r.ID != "" {
		return string(r.ID)
	}
	return string(r.MessageID)
}

// ToMessage converts the record into a transcript entry. Fields that arrive
// as JSON-encoded strings are decoded; a missing or unreadable createdDate
// becomes now.
func (r *Record) ToMessage(now time.Time) model.Message {
	id := r.Identity()
	text := r.Content
	if text == "" {
		text = r.Message
	}

	msg := model.Message{
		ID:              id,
		MessageID:       id,
		Role:            model.ParseRole(r.Role),
		Text:            text,
		DateTime:        model.FormatTime(parseCreated(r.CreatedDate, now)),
		SourceDocuments: nullToNil(model.DecodeEmbedded(r.SourceDocuments)),
		UsedTools:       nullToNil(model.DecodeEmbedded(r.UsedTools)),
		FileAnnotations: nullToNil(model.DecodeEmbedded(r.FileAnnotations)),
		AgentReasoning:  nullToNil(model.DecodeEmbedded(r.AgentReasoning)),
		Artifacts:       nullToNil(model.DecodeEmbedded(r.Artifacts)),
		Rating:          parseRating(r.Feedback),
	}
	if action, err := model.NormalizeAction(r.Action); err == nil {
		msg.Action = action
	}
	return msg
}

// parseCreated accepts an RFC 3339 string or epoch milliseconds.
func parseCreated(raw json.RawMessage, now time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return now
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if t := model.ParseTime(s); !t.IsZero() {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return now
	}
	var ms int64
	if json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	return now
}

// parseRating reads the rating from a feedback object, a JSON-encoded
// feedback object, or a bare rating string. Unknown values yield "".
func parseRating(raw json.RawMessage) string {
	raw = nullToNil(model.DecodeEmbedded(raw))
	if raw == nil {
		return ""
	}
	var rating string
	if json.Unmarshal(raw, &rating) != nil {
		var fb struct {
			Rating string `json:"rating"`
		}
		if json.Unmarshal(raw, &fb) != nil {
			return ""
		}
		rating = fb.Rating
	}
	rating = strings.ToUpper(strings.TrimSpace(rating))
	if rating != model.RatingThumbsUp && rating != model.RatingThumbsDown {
		return ""
	}
	return rating
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil
	}
	return raw
}

// Decode accepts every response shape the endpoint has used: a bare array,
// {"data": [...]}, {"messages": [...]}, or a single message object.
func Decode(raw []byte) ([]Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	switch raw[0] {
	case '[':
		var recs []Record
		if err := json.Unmarshal(raw, &recs); err != nil {
			return nil, fmt.Errorf("decode message list: %w", err)
		}
		return recs, nil

	case '{':
		var envelope struct {
			Data     json.RawMessage `json:"data"`
			Messages json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decode message envelope: %w", err)
		}
		for _, inner := range []json.RawMessage{envelope.Data, envelope.Messages} {
			inner = bytes.TrimSpace(inner)
			if len(inner) > 0 && inner[0] == '[' {
				return Decode(inner)
			}
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		return []Record{rec}, nil

	default:
		return nil, fmt.Errorf("unexpected message payload starting with %q", raw[0])
	}
}
