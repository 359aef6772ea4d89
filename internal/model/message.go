// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the author of a transcript entry.
// The string values match the persisted history format.
type Role string

const (
	RoleUser        Role = "userMessage"
	RoleAssistant   Role = "apiMessage"
	RoleLeadCapture Role = "leadCaptureMessage"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleLeadCapture:
		return "Contact form"
	default:
		return string(r)
	}
}

// ParseRole maps both short and wire role names onto a Role.
// Unknown roles are treated as assistant output.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "usermessage":
		return RoleUser
	case "leadcapture", "leadcapturemessage":
		return RoleLeadCapture
	default:
		return RoleAssistant
	}
}

// =============================================================================
// MODE TYPE
// =============================================================================

// Mode selects which transport carries the next submission.
type Mode string

const (
	ModeLLMStreaming    Mode = "LLM_STREAMING"
	ModeLLMSync         Mode = "LLM_SYNC"
	ModeOperatorPolling Mode = "OPERATOR_POLLING"
)

// IsLLM reports whether the mode talks to the language model.
func (m Mode) IsLLM() bool {
	return m == ModeLLMStreaming || m == ModeLLMSync
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Rating values accepted by the feedback endpoint.
const (
	RatingThumbsUp   = "THUMBS_UP"
	RatingThumbsDown = "THUMBS_DOWN"
)

// TimeLayout is the timestamp layout used for DateTime fields.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Message is one transcript entry.
type Message struct {
	// Identity
	ID        string `json:"id,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Role      Role   `json:"type"`
	DateTime  string `json:"dateTime,omitempty"`

	// Content
	Text        string       `json:"message"`
	FileUploads []FileUpload `json:"fileUploads,omitempty"`

	// Side-channel payloads, kept opaque
	SourceDocuments       json.RawMessage `json:"sourceDocuments,omitempty"`
	UsedTools             json.RawMessage `json:"usedTools,omitempty"`
	FileAnnotations       json.RawMessage `json:"fileAnnotations,omitempty"`
	AgentReasoning        json.RawMessage `json:"agentReasoning,omitempty"`
	AgentFlowExecutedData json.RawMessage `json:"agentFlowExecutedData,omitempty"`
	Artifacts             json.RawMessage `json:"artifacts,omitempty"`
	FollowUpPrompts       json.RawMessage `json:"followUpPrompts,omitempty"`
	AgentFlowEventStatus  string          `json:"agentFlowEventStatus,omitempty"`

	Action *Action `json:"action,omitempty"`
	Rating string  `json:"rating,omitempty"`

	// Pending marks an assistant placeholder that has not finished.
	Pending bool `json:"-"`
}

// NewMessage creates a message stamped with the current time.
func NewMessage(role Role, text string) Message {
	return Message{
		Role:     role,
		Text:     text,
		DateTime: Now(),
	}
}

// NewPlaceholder creates an empty, unfinished assistant message.
func NewPlaceholder() Message {
	msg := NewMessage(RoleAssistant, "")
	msg.Pending = true
	return msg
}

// Now returns the current time formatted for DateTime fields.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime formats t for DateTime fields.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a DateTime value. Invalid input yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, TimeLayout, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Identity returns the key used for deduplication: MessageID, else ID.
func (m *Message) Identity() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.ID
}

// Time returns the parsed DateTime.
func (m *Message) Time() time.Time {
	return ParseTime(m.DateTime)
}

// IsEmptyPlaceholder reports whether m is an empty, unfinished assistant entry.
func (m *Message) IsEmptyPlaceholder() bool {
	return m.Role == RoleAssistant && m.Text == "" && m.Pending
}

// AppendToken appends streamed text.
func (m *Message) AppendToken(token string) {
	m.Text += token
}

// Clone returns a copy that shares no mutable slices with m.
func (m Message) Clone() Message {
	if m.FileUploads != nil {
		m.FileUploads = append([]FileUpload(nil), m.FileUploads...)
	}
	if m.Action != nil {
		a := m.Action.Clone()
		m.Action = &a
	}
	return m
}

// IsOperatorMessage reports whether the entry was written by a human operator.
// The sender is carried in fileAnnotations, either as an array of objects,
// a single object, or a JSON string holding one of those.
func (m *Message) IsOperatorMessage() bool {
	raw := unquoteJSON(m.FileAnnotations)
	if len(raw) == 0 {
		return false
	}

	type annotation struct {
		Sender string `json:"sender"`
	}

	var list []annotation
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, a := range list {
			if a.Sender == "operator" {
				return true
			}
		}
		return false
	}

	var single annotation
	if err := json.Unmarshal(raw, &single); err == nil {
		return single.Sender == "operator"
	}
	return false
}

// =============================================================================
// AUXILIARY TYPES
// =============================================================================

// FileUpload describes an attachment sent with a user message.
type FileUpload struct {
	Data string `json:"data,omitempty"`
	Type string `json:"type"`
	Name string `json:"name"`
	Mime string `json:"mime"`
}

// StripData returns the upload without its inline payload.
func (f FileUpload) StripData() FileUpload {
	f.Data = ""
	return f
}

// Lead holds contact details collected by the lead form.
type Lead struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// UserData identifies the signed-in user to the backend.
type UserData struct {
	UserID    string `json:"user_id,omitempty" toml:"user_id"`
	FIO       string `json:"fio,omitempty" toml:"fio"`
	UserName  string `json:"user_name,omitempty" toml:"user_name"`
	Email     string `json:"email,omitempty" toml:"email"`
	Login     string `json:"login,omitempty" toml:"login"`
	Shortname string `json:"shortname,omitempty" toml:"shortname"`
	ORN       string `json:"orn,omitempty" toml:"orn"`
}

// IsZero reports whether no identity field is set.
func (u UserData) IsZero() bool {
	return u == UserData{}
}

// unquoteJSON decodes a JSON string wrapper, returning the inner document.
// Non-string input is returned unchanged.
func unquoteJSON(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return json.RawMessage(strings.TrimSpace(s))
}

// DecodeEmbedded normalizes a payload that may arrive as a JSON-encoded
// string. Strings that do not hold valid JSON are kept as the original value.
func DecodeEmbedded(raw json.RawMessage) json.RawMessage {
	inner := unquoteJSON(raw)
	if len(inner) == 0 {
		return raw
	}
	if !json.Valid(inner) {
		return raw
	}
	return inner
}
