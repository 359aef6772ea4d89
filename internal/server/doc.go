// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the reverse proxy placed in front of the chatflow
// backend for embedded widgets.
//
// Endpoints:
//   - GET  /health                               - Health check
//   - GET  /stats                                - Traffic counters
//   - GET  /api/config                           - Widget bootstrap (apiHost, chatflowId)
//   - POST /api/v1/prediction/{id}               - Streamed prediction pass-through
//   - POST /api/v1/autofaq/{id}/transfer         - Operator handoff
//   - *    /api/v1/...                           - Other backend calls, gated per flow
//
// Gated calls must name a configured flow and come from a browser on the
// proxy's own host, one of its subdomains, or one of the flow's domains.
// The upstream API key is injected so it never reaches the browser.
//
// # Middleware
//
// Requests pass through panic recovery, security headers, zerolog request
// logging, CORS (origin echoed with credentials), and a per-IP token bucket.
//
// # Usage
//
//	srv, err := server.New(server.Config{
//	    Upstream: "https://bot.example.com",
//	    APIKey:   key,
//	    Flows:    map[string]server.Flow{"site": {ChatflowID: id, Domains: []string{"https://example.com"}}},
//	})
//	if err != nil {
//	    return err
//	}
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
