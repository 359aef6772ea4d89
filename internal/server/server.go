// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/jeranaias/chatwidget/internal/logging"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultListen is the default listen address.
	DefaultListen = ":3000"

	// MaxRequestBodySize bounds request bodies (uploads travel base64 in
	// prediction bodies).
	MaxRequestBodySize = 50 * 1024 * 1024

	// Version is the proxy version reported by /health.
	Version = "0.3.0"

	// streamBufferSize is the read size for streamed pass-through.
	streamBufferSize = 32 * 1024
)

// ============================================================================
// SERVER STATS
// ============================================================================

// Stats counts proxy traffic.
type Stats struct {
	predictions atomic.Int64
	transfers   atomic.Int64
	proxied     atomic.Int64
	rejected    atomic.Int64
	upstreamErr atomic.Int64
	streamed    atomic.Int64
	start       time.Time
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Predictions    int64 `json:"predictions"`
	Transfers      int64 `json:"transfers"`
	Proxied        int64 `json:"proxied"`
	Rejected       int64 `json:"rejected"`
	UpstreamErrors int64 `json:"upstream_errors"`
	StreamedBytes  int64 `json:"streamed_bytes"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

func newStats() *Stats {
	return &Stats{start: time.Now()}
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Predictions:    s.predictions.Load(),
		Transfers:      s.transfers.Load(),
		Proxied:        s.proxied.Load(),
		Rejected:       s.rejected.Load(),
		UpstreamErrors: s.upstreamErr.Load(),
		StreamedBytes:  s.streamed.Load(),
		UptimeSeconds:  int64(time.Since(s.start).Seconds()),
	}
}

// ============================================================================
// SERVER
// ============================================================================

// Config configures the proxy.
type Config struct {
	// Listen is the address to listen on.
	Listen string
	// Upstream is the chatflow backend every call is forwarded to.
	Upstream string
	// APIKey is sent upstream as a bearer token when set.
	APIKey string
	// PublicAPIHost and DefaultChatflowID are served by /api/config.
	// PublicAPIHost defaults to Upstream.
	PublicAPIHost     string
	DefaultChatflowID string

	Flows map[string]Flow
	// DevBaseURL, when set, admits unknown flow identifiers from that origin.
	DevBaseURL string

	RatePerMinute int
	Burst         int

	// HTTPClient talks to the upstream. It must not have a global timeout;
	// streamed answers are bounded by the caller's request context.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Server is the reverse proxy placed in front of the chatflow backend.
type Server struct {
	cfg      Config
	upstream *url.URL
	router   *chi.Mux
	server   *http.Server
	client   *http.Client
	proxy    *httputil.ReverseProxy
	flows    *FlowTable
	limiter  *RateLimiter
	stats    *Stats
	logger   zerolog.Logger
}

// New creates a proxy. It fails on an invalid upstream or flow table.
func New(cfg Config) (*Server, error) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	cfg.Upstream = strings.TrimRight(cfg.Upstream, "/")
	upstream, err := url.Parse(cfg.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q", cfg.Upstream)
	}
	if cfg.PublicAPIHost == "" {
		cfg.PublicAPIHost = cfg.Upstream
	}
	flows, err := NewFlowTable(cfg.Flows)
	if err != nil {
		return nil, err
	}

	logger := logging.Component("server")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	s := &Server{
		cfg:      cfg,
		upstream: upstream,
		router:   chi.NewRouter(),
		client:   client,
		flows:    flows,
		limiter:  NewRateLimiter(cfg.RatePerMinute, cfg.Burst),
		stats:    newStats(),
		logger:   logger,
	}
	s.proxy = s.newReverseProxy()
	s.setupRoutes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats returns the traffic counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures middleware and routes.
func (s *Server) setupRoutes() {
	r := s.router
	r.Use(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		CORSMiddleware(),
		RateLimitMiddleware(s.limiter, s.logger),
	)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/api/config", s.handleConfig)

	r.Post("/api/v1/prediction/{chatflowID}", s.handlePrediction)
	r.Post("/api/v1/autofaq/{chatflowID}/transfer", s.handleTransfer)

	r.With(s.gate).Handle("/api/v1/*", s.proxyHandler())

	notFound := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	}
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"flows":   s.flows.Len(),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

// handleConfig handles GET /api/config, which bootstraps embedded widgets.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"apiHost":    s.cfg.PublicAPIHost,
		"chatflowId": s.cfg.DefaultChatflowID,
	})
}

// handlePrediction handles POST /api/v1/prediction/{chatflowID}. The
// upstream body is relayed as it arrives so SSE frames are not held back.
func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	s.stats.predictions.Add(1)
	chatflowID := chi.URLParam(r, "chatflowID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := s.upstreamRequest(r.Context(), http.MethodPost, "/api/v1/prediction/"+url.PathEscape(chatflowID), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.stats.upstreamErr.Add(1)
		s.logger.Error().Err(err).Str("chatflow", chatflowID).Msg("prediction proxy failed")
		writeError(w, http.StatusBadGateway, "Ошибка проксирования запроса")
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	n, err := copyFlushing(w, resp.Body)
	s.stats.streamed.Add(n)
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn().Err(err).Str("chatflow", chatflowID).Int64("bytes", n).Msg("prediction stream interrupted")
	}
}

// transferBody is the part of a transfer request the proxy checks. The
// rest of the body is forwarded untouched.
type transferBody struct {
	ChatID string `json:"chatId"`
}

// handleTransfer handles POST /api/v1/autofaq/{chatflowID}/transfer.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	s.stats.transfers.Add(1)
	chatflowID := chi.URLParam(r, "chatflowID")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var tb transferBody
	if err := json.Unmarshal(body, &tb); err != nil || tb.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId не указан")
		return
	}

	path := "/api/v1/autofaq/" + url.PathEscape(chatflowID) + "/transfer"
	req, err := s.upstreamRequest(r.Context(), http.MethodPost, path, body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.stats.upstreamErr.Add(1)
		s.logger.Error().Err(err).Str("chat_id", tb.ChatID).Msg("transfer proxy failed")
		writeError(w, http.StatusBadGateway, "Ошибка передачи истории в AutoFAQ")
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.stats.upstreamErr.Add(1)
		writeError(w, http.StatusBadGateway, "Ошибка передачи истории в AutoFAQ")
		return
	}

	if resp.StatusCode >= 400 {
		s.stats.upstreamErr.Add(1)
		s.logger.Warn().Int("status", resp.StatusCode).Str("chat_id", tb.ChatID).Msg("upstream refused transfer")
		writeError(w, resp.StatusCode, upstreamMessage(data, resp.Status))
		return
	}

	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	s.logger.Info().Str("chat_id", tb.ChatID).Str("chatflow", chatflowID).Msg("chat transferred")
}

// proxyHandler forwards gated /api/v1 calls to the upstream.
func (s *Server) proxyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.stats.proxied.Add(1)
		s.proxy.ServeHTTP(w, r)
	})
}

func (s *Server) newReverseProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.upstream)
			pr.SetXForwarded()
			pr.Out.Host = s.upstream.Host
			pr.Out.Header.Del("Cookie")
			if s.cfg.APIKey != "" {
				pr.Out.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
			}
		},
		Transport:     s.client.Transport,
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			// The proxy owns CORS for the widget.
			for k := range resp.Header {
				if strings.HasPrefix(k, "Access-Control-") {
					resp.Header.Del(k)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.stats.upstreamErr.Add(1)
			s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("proxy failed")
			writeError(w, http.StatusBadGateway, "Bad Gateway")
		},
	}
}

// upstreamRequest builds a JSON request to the upstream with the API key.
func (s *Server) upstreamRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Upstream+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	return req, nil
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens and serves until Shutdown. It returns http.ErrServerClosed
// after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: streamed answers may run for minutes.
	}

	s.logger.Info().
		Str("addr", s.cfg.Listen).
		Str("upstream", s.cfg.Upstream).
		Int("flows", s.flows.Len()).
		Str("version", Version).
		Msg("proxy listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.server == nil {
		return nil
	}
	s.logger.Info().Msg("proxy shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// copyFlushing copies src to w, flushing after every read.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamBufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// upstreamMessage extracts "message" (or "error") from an upstream JSON
// error body.
func upstreamMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return fallback
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
