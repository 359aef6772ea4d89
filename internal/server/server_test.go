// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HARNESS
// =============================================================================

type upstreamRecord struct {
	auth   atomic.Value
	accept atomic.Value
	body   atomic.Value
	path   atomic.Value
	cookie atomic.Value
}

// newUpstream fakes the chatflow backend.
func newUpstream(t *testing.T, rec *upstreamRecord) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/prediction/{id}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.auth.Store(r.Header.Get("Authorization"))
		rec.accept.Store(r.Header.Get("Accept"))
		rec.body.Store(string(body))

		if r.PathValue("id") == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"message":"boom"}`)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"text":"hi"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, tok := range []string{"При", "вет"} {
			io.WriteString(w, "message:\ndata:{\"event\":\"token\",\"data\":\""+tok+"\"}\n\n")
			flusher.Flush()
		}
	})

	mux.HandleFunc("POST /api/v1/autofaq/{id}/transfer", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.auth.Store(r.Header.Get("Authorization"))
		rec.body.Store(string(body))
		if r.PathValue("id") == "refused" {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"message":"уже передан"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"ok":true}`)
	})

	mux.HandleFunc("/api/v1/", func(w http.ResponseWriter, r *http.Request) {
		rec.auth.Store(r.Header.Get("Authorization"))
		rec.path.Store(r.URL.RequestURI())
		rec.cookie.Store(r.Header.Get("Cookie"))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[]`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, upstream string, mutate ...func(*Config)) *Server {
	t.Helper()
	logger := zerolog.Nop()
	cfg := Config{
		Upstream:          upstream,
		APIKey:            "secret",
		DefaultChatflowID: "flow-default",
		Flows: map[string]Flow{
			"site": {ChatflowID: "flow-1", Domains: []string{"https://shop.example.com"}},
		},
		RatePerMinute: 6000,
		Burst:         100,
		Logger:        &logger,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.limiter.Close)
	return s
}

// browserRequest builds a gated request the way a browser would send it.
func browserRequest(method, target, origin string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.Host = "widget.example.org"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept-Language", "ru-RU")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func decodeError(t *testing.T, body io.Reader) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	return payload["error"]
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNew_RejectsWildcardDomains(t *testing.T) {
	_, err := New(Config{
		Upstream: "http://localhost:1",
		Flows:    map[string]Flow{"bad": {ChatflowID: "f", Domains: []string{"*"}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wildcard")
}

func TestNew_RejectsBadUpstream(t *testing.T) {
	_, err := New(Config{Upstream: "not a url"})
	assert.Error(t, err)
}

func TestFlowTable_Lookup(t *testing.T) {
	table, err := NewFlowTable(map[string]Flow{
		"Site": {ChatflowID: "f1", Domains: []string{"https://a.com", " https://a.com ", ""}},
	})
	require.NoError(t, err)

	f, ok := table.Lookup("Site")
	require.True(t, ok)
	assert.Equal(t, []string{"https://a.com"}, f.Domains)

	_, ok = table.Lookup("site")
	assert.True(t, ok, "lookup should fall back to case-insensitive match")

	_, ok = table.Lookup("other")
	assert.False(t, ok)
}

// =============================================================================
// PLAIN ENDPOINTS
// =============================================================================

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, "http://localhost:1")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["flows"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestHandleConfig(t *testing.T) {
	s := newTestServer(t, "http://upstream.local:9000/")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "http://upstream.local:9000", body["apiHost"])
	assert.Equal(t, "flow-default", body["chatflowId"])
}

func TestNotFoundFallback(t *testing.T) {
	s := newTestServer(t, "http://localhost:1")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/nope"},
		{http.MethodPost, "/api/config"},
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "Not Found", decodeError(t, rec.Body))
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "http://localhost:1")
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/prediction/flow-1", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://shop.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
}

// =============================================================================
// PREDICTION
// =============================================================================

func TestPrediction_StreamsThrough(t *testing.T) {
	rec := &upstreamRecord{}
	up := newUpstream(t, rec)
	s := newTestServer(t, up.URL)
	front := httptest.NewServer(s.Handler())
	defer front.Close()

	req, err := http.NewRequest(http.MethodPost, front.URL+"/api/v1/prediction/flow-1", strings.NewReader(`{"question":"hi","streaming":true}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	var data []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data:") {
			data = append(data, line)
		}
	}
	require.Len(t, data, 2)
	assert.Contains(t, data[0], "При")

	assert.Equal(t, "Bearer secret", rec.auth.Load())
	assert.Equal(t, "text/event-stream", rec.accept.Load())
	assert.Equal(t, `{"question":"hi","streaming":true}`, rec.body.Load())
	assert.Positive(t, s.Stats().StreamedBytes)
}

func TestPrediction_SyncKeepsContentType(t *testing.T) {
	rec := &upstreamRecord{}
	up := newUpstream(t, rec)
	s := newTestServer(t, up.URL, func(c *Config) { c.APIKey = "" })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/prediction/flow-1", strings.NewReader(`{"question":"hi"}`))
	req.Header.Set("Accept", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"text":"hi"}`, w.Body.String())
	assert.Equal(t, "", rec.auth.Load(), "no key configured, none injected")
}

func TestPrediction_UpstreamStatusForwarded(t *testing.T) {
	up := newUpstream(t, &upstreamRecord{})
	s := newTestServer(t, up.URL)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/prediction/broken", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "boom")
}

func TestPrediction_UpstreamDown(t *testing.T) {
	s := newTestServer(t, "http://127.0.0.1:1")

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/prediction/flow-1", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, int64(1), s.Stats().UpstreamErrors)
}

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer(t *testing.T) {
	tests := []struct {
		name       string
		flow       string
		body       string
		wantStatus int
		wantBody   string
		wantError  string
	}{
		{"missing chat id", "flow-1", `{"userMessage":"hi"}`, http.StatusBadRequest, "", "chatId не указан"},
		{"invalid json", "flow-1", `{`, http.StatusBadRequest, "", "chatId не указан"},
		{"forwarded", "flow-1", `{"chatId":"c1","userMessage":"Позовите оператора","fio":"Иван"}`, http.StatusOK, `{"ok":true}`, ""},
		{"refused", "refused", `{"chatId":"c1"}`, http.StatusConflict, "", "уже передан"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &upstreamRecord{}
			up := newUpstream(t, rec)
			s := newTestServer(t, up.URL)

			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/autofaq/"+tt.flow+"/transfer", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decodeError(t, w.Body))
				return
			}
			assert.JSONEq(t, tt.wantBody, w.Body.String())
			assert.Equal(t, tt.body, rec.body.Load(), "body forwarded untouched")
			assert.Equal(t, "Bearer secret", rec.auth.Load())
		})
	}
}

// =============================================================================
// ACCESS GATE
// =============================================================================

func TestGate(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		origin     string
		strip      string
		wantStatus int
	}{
		{"listed domain", "/api/v1/chatmessage/site", "https://shop.example.com", "", http.StatusOK},
		{"case-insensitive identifier", "/api/v1/chatmessage/SITE", "https://shop.example.com", "", http.StatusOK},
		{"same host", "/api/v1/chatmessage/site", "https://widget.example.org", "", http.StatusOK},
		{"subdomain of host", "/api/v1/chatmessage/site", "https://a.widget.example.org:8443", "", http.StatusOK},
		{"no origin", "/api/v1/chatmessage/site", "", "", http.StatusOK},
		{"foreign origin", "/api/v1/chatmessage/site", "https://evil.example.net", "", http.StatusUnauthorized},
		{"not a browser", "/api/v1/chatmessage/site", "https://shop.example.com", "Sec-Fetch-Mode", http.StatusUnauthorized},
		{"no accept-language", "/api/v1/chatmessage/site", "https://shop.example.com", "Accept-Language", http.StatusUnauthorized},
		{"unknown flow", "/api/v1/chatmessage/ghost", "https://shop.example.com", "", http.StatusNotFound},
		{"no identifier", "/api/v1/feedback", "https://shop.example.com", "", http.StatusBadRequest},
		{"upload files bypass", "/api/v1/get-upload-file", "", "User-Agent", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &upstreamRecord{}
			up := newUpstream(t, rec)
			s := newTestServer(t, up.URL)

			req := browserRequest(http.MethodGet, tt.target, tt.origin)
			if tt.strip != "" {
				req.Header.Del(tt.strip)
			}
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			switch tt.wantStatus {
			case http.StatusUnauthorized:
				assert.Equal(t, "Unauthorized", decodeError(t, w.Body))
			case http.StatusOK:
				assert.Equal(t, "Bearer secret", rec.auth.Load())
			}
		})
	}
}

func TestGate_ProxiesToUpstream(t *testing.T) {
	rec := &upstreamRecord{}
	up := newUpstream(t, rec)
	s := newTestServer(t, up.URL)

	req := browserRequest(http.MethodGet, "/api/v1/chatmessage/site?chatId=c1&order=ASC", "https://shop.example.com")
	req.Header.Set("Cookie", "session=abc")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/api/v1/chatmessage/site?chatId=c1&order=ASC", rec.path.Load())
	assert.Equal(t, "", rec.cookie.Load())
	// Upstream CORS headers are replaced by the proxy's.
	assert.Equal(t, "https://shop.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int64(1), s.Stats().Proxied)
}

func TestGate_DevBaseURLAdmitsUnknownFlows(t *testing.T) {
	up := newUpstream(t, &upstreamRecord{})
	s := newTestServer(t, up.URL, func(c *Config) { c.DevBaseURL = "http://localhost:3001" })

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, browserRequest(http.MethodGet, "/api/v1/chatmessage/ghost", "http://localhost:3001"))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFlowIdentifier(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/api/v1/chatmessage/site", "site"},
		{"/api/v1/chatmessage/site/extra", "site"},
		{"/api/v1/feedback", ""},
		{"/api/v1?chatflowId=site/x", "site"},
		{"/api?chatflowId=flow", "flow"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.target, nil)
		assert.Equal(t, tt.want, flowIdentifier(r), tt.target)
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	domains := []string{"https://shop.example.com"}
	assert.True(t, isAllowedOrigin("", domains, "proxy.local"))
	assert.True(t, isAllowedOrigin("https://shop.example.com", domains, "proxy.local"))
	assert.False(t, isAllowedOrigin("http://shop.example.com", domains, "proxy.local"), "scheme must match listed domain")
	assert.True(t, isAllowedOrigin("http://proxy.local:3000", nil, "proxy.local:3001"))
	assert.False(t, isAllowedOrigin("https://notproxy.local", nil, "proxy.local"))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	defer limiter.Close()

	h := RateLimitMiddleware(limiter, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{200, 200, 429}, codes)

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.8:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_Unlimited(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	defer limiter.Close()
	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("x"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestResponseWriter_Flushes(t *testing.T) {
	w := httptest.NewRecorder()
	rw := newResponseWriter(w)
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("abc"))
	rw.Flush()

	assert.Equal(t, http.StatusAccepted, rw.statusCode)
	assert.Equal(t, int64(3), rw.bytes)
	assert.True(t, w.Flushed)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.1:1234", "", "", "203.0.113.1"},
		{"spoofed header from public ip", "203.0.113.1:1234", "1.2.3.4", "", "203.0.113.1"},
		{"trusted proxy xff", "10.0.0.5:1234", "198.51.100.9, 10.0.0.5", "", "198.51.100.9"},
		{"trusted proxy real ip", "127.0.0.1:1234", "", "198.51.100.10", "198.51.100.10"},
		{"trusted proxy garbage", "127.0.0.1:1234", "not-an-ip", "", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s := newTestServer(t, "http://localhost:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
