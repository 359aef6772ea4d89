// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/jeranaias/chatwidget/internal/model"
)

// =============================================================================
// PREDICTION
// =============================================================================

// HumanInput answers an agent flow checkpoint.
type HumanInput struct {
	Type        string `json:"type"`
	StartNodeID string `json:"startNodeId"`
	Feedback    string `json:"feedback,omitempty"`
}

// PredictionRequest is the body of POST /api/v1/prediction/{chatflowid}.
type PredictionRequest struct {
	Question       string             `json:"question"`
	ChatID         string             `json:"chatId,omitempty"`
	Form           json.RawMessage    `json:"form,omitempty"`
	Uploads        []model.FileUpload `json:"uploads,omitempty"`
	OverrideConfig map[string]any     `json:"overrideConfig,omitempty"`
	LeadEmail      string             `json:"leadEmail,omitempty"`
	Action         *model.Action      `json:"action,omitempty"`
	HumanInput     *HumanInput        `json:"humanInput,omitempty"`
	Streaming      bool               `json:"streaming"`
}

// OverrideConfig merges the static chatflow config with the user's identity.
// Only identity fields that are set are sent.
func OverrideConfig(base map[string]any, user model.UserData) map[string]any {
	if len(base) == 0 && user.IsZero() {
		return nil
	}
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	if user.IsZero() {
		return out
	}

	userData := map[string]string{}
	set := func(key, value string) {
		if value != "" {
			userData[key] = value
		}
	}
	set("user_id", user.UserID)
	set("fio", user.FIO)
	set("email", user.Email)
	set("login", user.Login)
	set("shortname", user.Shortname)
	set("orn", user.ORN)
	out["userData"] = userData
	return out
}

// Truthy decodes booleans that may arrive as true, "true", or 1.
type Truthy bool

// UnmarshalJSON implements json.Unmarshaler.
func (t *Truthy) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	switch strings.ToLower(s) {
	case "", "false", "0", "null":
		*t = false
	default:
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			*t = n != 0
		} else {
			*t = true
		}
	}
	return nil
}

// PredictionResponse is a complete (non-streamed) answer.
type PredictionResponse struct {
	Text                  string          `json:"text"`
	JSON                  json.RawMessage `json:"json,omitempty"`
	ChatID                string          `json:"chatId,omitempty"`
	ChatMessageID         string          `json:"chatMessageId,omitempty"`
	Question              string          `json:"question,omitempty"`
	SourceDocuments       json.RawMessage `json:"sourceDocuments,omitempty"`
	UsedTools             json.RawMessage `json:"usedTools,omitempty"`
	FileAnnotations       json.RawMessage `json:"fileAnnotations,omitempty"`
	AgentReasoning        json.RawMessage `json:"agentReasoning,omitempty"`
	AgentFlowExecutedData json.RawMessage `json:"agentFlowExecutedData,omitempty"`
	Action                json.RawMessage `json:"action,omitempty"`
	Artifacts             json.RawMessage `json:"artifacts,omitempty"`
	FollowUpPrompts       json.RawMessage `json:"followUpPrompts,omitempty"`
	DateTime              string          `json:"dateTime,omitempty"`
	UserMessageDateTime   string          `json:"userMessageDateTime,omitempty"`
	AutofaqMode           Truthy          `json:"autofaqMode,omitempty"`

	// Raw is the undecoded body.
	Raw json.RawMessage `json:"-"`
}

// decodePrediction parses a body. Non-JSON bodies become plain text.
func decodePrediction(body []byte) *PredictionResponse {
	resp := &PredictionResponse{Raw: append(json.RawMessage(nil), body...)}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return resp
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, resp); err == nil {
			return resp
		}
	}
	var s string
	if trimmed[0] == '"' && json.Unmarshal(trimmed, &s) == nil {
		resp.Text = s
		return resp
	}
	resp.Text = string(trimmed)
	resp.Raw = nil
	return resp
}

// DisplayText returns the answer text: text, else the indented json field,
// else the indented body.
func (r *PredictionResponse) DisplayText() string {
	if r.Text != "" {
		return r.Text
	}
	if len(r.JSON) > 0 && string(r.JSON) != "null" {
		return indent(r.JSON)
	}
	if len(r.Raw) > 0 {
		return indent(r.Raw)
	}
	return ""
}

func indent(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// =============================================================================
// SIDE CHANNEL PAYLOADS
// =============================================================================

// Metadata is the payload of a "metadata" stream frame.
type Metadata struct {
	ChatID              string          `json:"chatId,omitempty"`
	ChatMessageID       string          `json:"chatMessageId,omitempty"`
	Question            string          `json:"question,omitempty"`
	DateTime            string          `json:"dateTime,omitempty"`
	UserMessageDateTime string          `json:"userMessageDateTime,omitempty"`
	FollowUpPrompts     json.RawMessage `json:"followUpPrompts,omitempty"`
}

// Metadata extracts the metadata fields of a complete response.
func (r *PredictionResponse) Metadata() Metadata {
	return Metadata{
		ChatID:              r.ChatID,
		ChatMessageID:       r.ChatMessageID,
		Question:            r.Question,
		DateTime:            r.DateTime,
		UserMessageDateTime: r.UserMessageDateTime,
		FollowUpPrompts:     r.FollowUpPrompts,
	}
}

// =============================================================================
// OPERATOR HANDOFF
// =============================================================================

// TransferUserData identifies the user to the operator desk.
type TransferUserData struct {
	Email     string `json:"email,omitempty"`
	FullName  string `json:"fullName,omitempty"`
	FIO       string `json:"fio,omitempty"`
	Login     string `json:"login,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Shortname string `json:"shortname,omitempty"`
	ORN       string `json:"orn,omitempty"`
}

// TransferRequest asks the backend to hand the chat to a human.
type TransferRequest struct {
	ChatID         string           `json:"chatId"`
	UserMessage    string           `json:"userMessage"`
	Email          string           `json:"email,omitempty"`
	FIO            string           `json:"fio,omitempty"`
	OverrideConfig TransferOverride `json:"overrideConfig"`
}

// TransferOverride wraps the user identity for the operator desk.
type TransferOverride struct {
	UserData TransferUserData `json:"userData"`
}

// NewTransferRequest fills a transfer request from the user's identity.
func NewTransferRequest(chatID, userMessage string, user model.UserData) TransferRequest {
	if userMessage == "" {
		userMessage = model.DefaultHandoffMessage
	}
	fullName := user.FIO
	if fullName == "" {
		fullName = user.UserName
	}
	req := TransferRequest{
		ChatID:      chatID,
		UserMessage: userMessage,
		Email:       user.Email,
		FIO:         user.FIO,
	}
	req.OverrideConfig.UserData = TransferUserData{
		Email:     user.Email,
		FullName:  fullName,
		FIO:       user.FIO,
		Login:     user.Login,
		UserID:    user.UserID,
		Shortname: user.Shortname,
		ORN:       user.ORN,
	}
	return req
}

// =============================================================================
// FEEDBACK, LEADS, CONFIG
// =============================================================================

// FeedbackRequest rates an assistant message.
type FeedbackRequest struct {
	ChatflowID string `json:"chatflowid"`
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	Rating     string `json:"rating"`
	Content    string `json:"content,omitempty"`
	FIO        string `json:"fio,omitempty"`
	Email      string `json:"email,omitempty"`
}

// FeedbackUpdate amends an existing feedback entry.
type FeedbackUpdate struct {
	Content string `json:"content"`
	FIO     string `json:"fio,omitempty"`
	Email   string `json:"email,omitempty"`
}

// LeadRequest submits the lead form.
type LeadRequest struct {
	ChatflowID string `json:"chatflowid"`
	ChatID     string `json:"chatId"`
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// StatusFlag is the {"status": bool} shape used by several config sections.
type StatusFlag struct {
	Status bool `json:"status"`
}

// LeadsConfig controls the lead capture form.
type LeadsConfig struct {
	Status         bool   `json:"status"`
	Title          string `json:"title,omitempty"`
	Name           bool   `json:"name,omitempty"`
	Email          bool   `json:"email,omitempty"`
	Phone          bool   `json:"phone,omitempty"`
	SuccessMessage string `json:"successMessage,omitempty"`
}

// UploadsConfig reports which attachments the chatflow accepts.
type UploadsConfig struct {
	IsImageUploadAllowed   bool `json:"isImageUploadAllowed"`
	IsSpeechToTextEnabled  bool `json:"isSpeechToTextEnabled"`
	IsRAGFileUploadAllowed bool `json:"isRAGFileUploadAllowed"`
}

// ChatbotConfig is the public chatbot configuration of a chatflow.
type ChatbotConfig struct {
	StarterPrompts  map[string]StarterPrompt `json:"starterPrompts,omitempty"`
	ChatFeedback    *StatusFlag              `json:"chatFeedback,omitempty"`
	Leads           *LeadsConfig             `json:"leads,omitempty"`
	Uploads         *UploadsConfig           `json:"uploads,omitempty"`
	FollowUpPrompts *StatusFlag              `json:"followUpPrompts,omitempty"`
	TextToSpeech    json.RawMessage          `json:"textToSpeech,omitempty"`
}

// StarterPrompt is a suggested first question.
type StarterPrompt struct {
	Prompt string `json:"prompt"`
}

// Prompts returns the non-empty starter prompts in key order.
func (c *ChatbotConfig) Prompts() []string {
	keys := make([]string, 0, len(c.StarterPrompts))
	for k := range c.StarterPrompts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var prompts []string
	for _, k := range keys {
		if p := strings.TrimSpace(c.StarterPrompts[k].Prompt); p != "" {
			prompts = append(prompts, p)
		}
	}
	return prompts
}

// FeedbackEnabled reports whether ratings are accepted.
func (c *ChatbotConfig) FeedbackEnabled() bool {
	return c.ChatFeedback != nil && c.ChatFeedback.Status
}

// LeadsEnabled reports whether the lead form is on.
func (c *ChatbotConfig) LeadsEnabled() bool {
	return c.Leads != nil && c.Leads.Status
}

// UploadedFile describes a stored attachment.
type UploadedFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
}

// SpeechRequest asks for a spoken version of a message.
type SpeechRequest struct {
	ChatID        string `json:"chatId"`
	ChatflowID    string `json:"chatflowId"`
	ChatMessageID string `json:"chatMessageId"`
	Text          string `json:"text"`
}
