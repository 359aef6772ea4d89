// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatwidget command line.
//
// Commands are built with cobra and share the persistent flags --config,
// --log-level, --storage, --chatflow, --api-host, --json and --no-color.
//
// # Commands
//
//   - chat: interactive session with streamed answers, operator handoff,
//     ratings and lead capture
//   - history: show, list or clear saved sessions
//   - serve: reverse proxy for embedded widgets
//   - config: show, path, init, get, set
//   - status: check the backend and the chatflow's capabilities
//   - tts: synthesize an answer to an audio file
//
// # Usage
//
//	os.Exit(cli.Execute())
//
// Every command returns its error; Execute prints it once and maps it to
// an exit code with GetExitCode.
package cli
