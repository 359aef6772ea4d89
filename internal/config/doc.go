// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for chatwidget.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, validation, and hot reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - WidgetConfig: Backend host, chatflow, and greeting
//   - PollingConfig: Operator polling cadence and closing phrases
//   - StorageConfig: Session persistence backend
//   - ProxyConfig: The "serve" reverse proxy
//   - Watcher: Reloads a config file on change
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CHATWIDGET_*)
//   - ~/.chatwidget/config.toml
//   - ~/.chatwidget/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	w, err := config.Watch(path, func(c *config.Config) {
//	    coord.SetClosingPhrases(c.Polling.ClosingPhrases)
//	})
package config
