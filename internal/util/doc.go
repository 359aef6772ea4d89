// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across chatwidget packages:
// crash-safe file writes and terminal-width aware string handling.
package util
