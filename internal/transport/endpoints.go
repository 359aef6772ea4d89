// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
)

// =============================================================================
// OPERATOR HANDOFF AND POLLING
// =============================================================================

// Transfer hands the conversation to a human operator.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) error {
	u := c.url("/api/v1/autofaq/" + c.chatflowID + "/transfer")
	if err := c.sendJSON(ctx, http.MethodPost, u, req, nil); err != nil {
		return fmt.Errorf("transfer to operator: %w", err)
	}
	return nil
}

// FetchMessages returns the raw operator-side messages newer than
// lastMessageID. The body shape varies; see the polling package.
func (c *Client) FetchMessages(ctx context.Context, chatID, lastMessageID string) ([]byte, error) {
	q := url.Values{}
	q.Set("chatId", chatID)
	if lastMessageID != "" {
		q.Set("lastMessageId", lastMessageID)
	}
	u := c.url("/api/v1/internal-chatmessage/"+c.chatflowID) + "?" + q.Encode()

	data, _, err := c.sendRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return data, nil
}

// =============================================================================
// CHATFLOW CONFIGURATION
// =============================================================================

// StreamingAvailable asks whether the chatflow can stream.
func (c *Client) StreamingAvailable(ctx context.Context) (bool, error) {
	var out struct {
		IsStreaming Truthy `json:"isStreaming"`
	}
	u := c.url("/api/v1/chatflows-streaming/" + c.chatflowID)
	if err := c.sendJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return false, fmt.Errorf("streaming check: %w", err)
	}
	return bool(out.IsStreaming), nil
}

// ChatbotConfig loads the public chatbot configuration.
func (c *Client) ChatbotConfig(ctx context.Context) (*ChatbotConfig, error) {
	var cfg ChatbotConfig
	u := c.url("/api/v1/public-chatbotConfig/" + c.chatflowID)
	if err := c.sendJSON(ctx, http.MethodGet, u, nil, &cfg); err != nil {
		return nil, fmt.Errorf("chatbot config: %w", err)
	}
	return &cfg, nil
}

// =============================================================================
// FEEDBACK AND LEADS
// =============================================================================

// CreateFeedback rates a message and returns the feedback id.
func (c *Client) CreateFeedback(ctx context.Context, req FeedbackRequest) (string, error) {
	if req.ChatflowID == "" {
		req.ChatflowID = c.chatflowID
	}
	var out struct {
		ID string `json:"id"`
	}
	u := c.url("/api/v1/feedback/" + c.chatflowID)
	if err := c.sendJSON(ctx, http.MethodPost, u, req, &out); err != nil {
		return "", fmt.Errorf("create feedback: %w", err)
	}
	return out.ID, nil
}

// UpdateFeedback adds a comment to existing feedback.
func (c *Client) UpdateFeedback(ctx context.Context, feedbackID string, req FeedbackUpdate) error {
	u := c.url("/api/v1/feedback/" + url.PathEscape(feedbackID))
	if err := c.sendJSON(ctx, http.MethodPut, u, req, nil); err != nil {
		return fmt.Errorf("update feedback: %w", err)
	}
	return nil
}

// AddLead submits the lead form.
func (c *Client) AddLead(ctx context.Context, req LeadRequest) error {
	if req.ChatflowID == "" {
		req.ChatflowID = c.chatflowID
	}
	if err := c.sendJSON(ctx, http.MethodPost, c.url("/api/v1/leads/"), req, nil); err != nil {
		return fmt.Errorf("add lead: %w", err)
	}
	return nil
}

// =============================================================================
// ATTACHMENTS AND SPEECH
// =============================================================================

// UploadAttachments stores files for the conversation.
func (c *Client) UploadAttachments(ctx context.Context, chatID string, paths []string) ([]UploadedFile, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range paths {
		if err := addFilePart(mw, p); err != nil {
			return nil, err
		}
	}
	if err := mw.WriteField("chatId", chatID); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	u := c.url("/api/v1/attachments/" + c.chatflowID + "/" + url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upload attachments: %w", newAPIError(resp, data))
	}

	var files []UploadedFile
	if err := decodeJSON(data, &files); err != nil {
		return nil, fmt.Errorf("upload attachments: %w", err)
	}
	return files, nil
}

func addFilePart(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	return nil
}

// GenerateSpeech returns synthesized audio for a message and its content type.
func (c *Client) GenerateSpeech(ctx context.Context, req SpeechRequest) ([]byte, string, error) {
	if req.ChatflowID == "" {
		req.ChatflowID = c.chatflowID
	}
	data, resp, err := c.sendRequest(ctx, http.MethodPost, c.url("/api/v1/text-to-speech/generate"), req)
	if err != nil {
		return nil, "", fmt.Errorf("generate speech: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// AbortSpeech stops an in-progress synthesis.
func (c *Client) AbortSpeech(ctx context.Context, chatID, chatMessageID string) error {
	body := map[string]string{
		"chatId":        chatID,
		"chatMessageId": chatMessageID,
		"chatflowId":    c.chatflowID,
	}
	if err := c.sendJSON(ctx, http.MethodPost, c.url("/api/v1/text-to-speech/abort"), body, nil); err != nil {
		return fmt.Errorf("abort speech: %w", err)
	}
	return nil
}
