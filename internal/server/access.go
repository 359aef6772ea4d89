// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"net/http"
	"strings"
)

// Flow is a chatflow published through the proxy.
type Flow struct {
	ChatflowID string
	// Domains are the exact origins (scheme://host[:port]) allowed to use
	// the flow besides the proxy's own host and its subdomains.
	Domains []string
}

// FlowTable maps public identifiers to flows.
type FlowTable struct {
	flows map[string]Flow
}

// NewFlowTable builds a table from identifier → flow. Flows without a
// chatflow id or with a wildcard domain are refused.
func NewFlowTable(flows map[string]Flow) (*FlowTable, error) {
	t := &FlowTable{flows: make(map[string]Flow, len(flows))}
	for id, f := range flows {
		if f.ChatflowID == "" {
			return nil, fmt.Errorf("flow %q: missing chatflow id", id)
		}
		seen := make(map[string]bool, len(f.Domains))
		var domains []string
		for _, d := range f.Domains {
			d = strings.TrimSpace(d)
			if d == "" || seen[d] {
				continue
			}
			if strings.Contains(d, "*") {
				return nil, fmt.Errorf("flow %q: wildcard domain %q is not allowed", id, d)
			}
			seen[d] = true
			domains = append(domains, d)
		}
		t.flows[id] = Flow{ChatflowID: f.ChatflowID, Domains: domains}
	}
	return t, nil
}

// Len returns the number of flows.
func (t *FlowTable) Len() int { return len(t.flows) }

// Lookup finds a flow by identifier, exact match first, then ignoring case.
func (t *FlowTable) Lookup(identifier string) (Flow, bool) {
	if f, ok := t.flows[identifier]; ok {
		return f, true
	}
	for id, f := range t.flows {
		if strings.EqualFold(id, identifier) {
			return f, true
		}
	}
	return Flow{}, false
}

// ============================================================================
// Access gate
// ============================================================================

// flowIdentifier extracts the flow identifier of an /api/v1 request: the
// fourth path segment, or the chatflowId query parameter on short paths.
func flowIdentifier(r *http.Request) string {
	var parts []string
	for _, p := range strings.Split(r.URL.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) >= 3 {
		if len(parts) > 3 {
			return parts[3]
		}
		return ""
	}
	q := r.URL.Query().Get("chatflowId")
	return strings.SplitN(q, "/", 2)[0]
}

// isBrowserCORSRequest reports whether r carries the headers a browser
// sends on a cross-origin fetch.
func isBrowserCORSRequest(r *http.Request) bool {
	h := r.Header
	if h.Get("User-Agent") == "" || h.Get("Accept-Language") == "" || h.Get("Accept") == "" {
		return false
	}
	if h.Get("Sec-Fetch-Mode") != "cors" {
		return false
	}
	switch h.Get("Sec-Fetch-Site") {
	case "same-origin", "same-site", "cross-site":
		return true
	}
	return false
}

// isAllowedOrigin reports whether origin may use a flow with domains when
// served from host. A missing origin is a direct page load and is allowed.
func isAllowedOrigin(origin string, domains []string, host string) bool {
	if origin == "" {
		return true
	}
	o := bareHost(origin)
	if h := bareHost(host); h != "" {
		if o == h || strings.HasSuffix(o, "."+h) {
			return true
		}
	}
	for _, d := range domains {
		if d == origin {
			return true
		}
	}
	return false
}

// bareHost strips the scheme, a trailing slash, and the port.
func bareHost(s string) string {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimSuffix(s, "/")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// gate guards /api/v1 routes: the flow must exist and the request must come
// from a browser on an allowed origin.
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/get-upload-file") {
			next.ServeHTTP(w, r)
			return
		}

		identifier := flowIdentifier(r)
		if identifier == "" {
			writeError(w, http.StatusBadRequest, "Bad Request")
			return
		}

		flow, ok := s.flows.Lookup(identifier)
		if !ok {
			if s.cfg.DevBaseURL == "" {
				s.stats.rejected.Add(1)
				writeError(w, http.StatusNotFound, "Not Found")
				return
			}
			flow = Flow{ChatflowID: identifier, Domains: []string{s.cfg.DevBaseURL}}
		}

		if isBrowserCORSRequest(r) && isAllowedOrigin(r.Header.Get("Origin"), flow.Domains, r.Host) {
			next.ServeHTTP(w, r)
			return
		}

		s.stats.rejected.Add(1)
		s.logger.Warn().
			Str("flow", identifier).
			Str("origin", r.Header.Get("Origin")).
			Str("ip", GetClientIP(r)).
			Msg("access denied")
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	})
}
