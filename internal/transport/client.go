// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport talks to the chatflow backend over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Configuration constants.
const (
	// DefaultAPIHost is used when no host is configured.
	DefaultAPIHost = "http://localhost:3000"

	// DefaultTimeout bounds unary requests. Streams are bounded by context only.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize caps how much of a unary body is read.
	MaxResponseSize = 10 * 1024 * 1024
)

var (
	// sharedHTTPClient serves unary requests with connection pooling.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams end via context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthorized indicates HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates HTTP 403, usually a domain not on the allowlist.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound indicates HTTP 404.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited indicates HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrStreamFailed indicates an error frame inside an SSE stream.
	ErrStreamFailed = errors.New("stream reported an error")

	// ErrMissingChatflow indicates the client has no chatflow id.
	ErrMissingChatflow = errors.New("chatflow id not configured")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status     int
	StatusText string
	// Message is the error text extracted from the body.
	Message string
}

// Error implements the error interface. The backend's own text is
// surfaced as-is so it can be shown to the user.
func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.StatusText)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// newAPIError builds an APIError using the same rules as the browser
// widget: a JSON "error" field wins, then the raw body, then the status text.
func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
	}
	if e.StatusText == "" {
		e.StatusText = http.StatusText(resp.StatusCode)
	}

	trimmed := bytes.TrimSpace(body)
	if isJSONContent(resp.Header.Get("Content-Type")) {
		var wrapped struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err == nil && len(wrapped.Error) > 0 && string(wrapped.Error) != "null" {
			var s string
			if json.Unmarshal(wrapped.Error, &s) == nil {
				e.Message = s
			} else {
				e.Message = string(wrapped.Error)
			}
			return e
		}
	}
	e.Message = string(trimmed)
	return e
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is bound to one backend host and chatflow.
type Client struct {
	apiHost    string
	chatflowID string
	headers    http.Header

	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter

	logger zerolog.Logger
}

// NewClient creates a client for chatflowID on apiHost.
func NewClient(apiHost, chatflowID string) *Client {
	if apiHost == "" {
		apiHost = DefaultAPIHost
	}
	return &Client{
		apiHost:      strings.TrimSuffix(apiHost, "/"),
		chatflowID:   chatflowID,
		headers:      make(http.Header),
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		logger:       log.With().Str("component", "transport").Logger(),
	}
}

// WithHTTPClient replaces both the unary and streaming HTTP clients.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.streamClient = hc
	return c
}

// WithTimeout sets the unary request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout <= 0 {
		return c
	}
	hc := *c.httpClient
	hc.Timeout = timeout
	c.httpClient = &hc
	return c
}

// WithHeader adds a header sent with every request.
func (c *Client) WithHeader(key, value string) *Client {
	c.headers.Set(key, value)
	return c
}

// WithRateLimit spaces out requests. A zero limit disables limiting.
func (c *Client) WithRateLimit(perSecond float64, burst int) *Client {
	if perSecond <= 0 {
		c.limiter = nil
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	c.logger = logger
	return c
}

// APIHost returns the backend base URL.
func (c *Client) APIHost() string {
	return c.apiHost
}

// ChatflowID returns the chatflow this client targets.
func (c *Client) ChatflowID() string {
	return c.chatflowID
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func (c *Client) url(path string) string {
	return c.apiHost + path
}

func (c *Client) newRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req after waiting on the rate limiter, logging method, path,
// status, and duration. Bodies are never logged.
func (c *Client) do(hc *http.Client, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}

	c.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("api request")
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().
		Int("status", resp.StatusCode).
		Str("path", req.URL.Path).
		Dur("duration", time.Since(start)).
		Msg("api response")
	return resp, nil
}

// sendRequest performs a unary call and returns the body of a 2xx response.
func (c *Client) sendRequest(ctx context.Context, method, url string, body any) ([]byte, *http.Response, error) {
	req, err := c.newRequest(ctx, method, url, body)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.do(c.httpClient, req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := readResponse(resp)
	if err != nil {
		return nil, resp, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp, newAPIError(resp, data)
	}
	return data, resp, nil
}

// sendJSON performs a unary call and decodes a JSON body into out.
func (c *Client) sendJSON(ctx context.Context, method, url string, body, out any) error {
	data, _, err := c.sendRequest(ctx, method, url, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(data, out)
}

// decodeJSON decodes data into out. An empty body leaves out untouched.
func decodeJSON(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// readResponse reads at most MaxResponseSize bytes of the body.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

func isJSONContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "text/json")
}
