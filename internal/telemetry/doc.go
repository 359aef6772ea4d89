// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry tracks delivery statistics for chat sessions.
//
// The Tracker counts turns, streamed tokens, failures, handoffs, and polling
// activity, and keeps the last few turns with their latency. A Publisher
// ships transcript snapshots and turn results to NATS for dashboards.
//
// # Key Types
//
//   - Tracker: Per-session counters fed by the delivery coordinator
//   - SessionStats: Aggregated counters for one session
//   - StatsStorage: JSON files under ~/.chatwidget/stats
//   - Publisher: Event sink (NATSPublisher or NopPublisher)
//
// # Usage
//
//	tracker := telemetry.NewTracker(chatflowID, nil)
//	tracker.TurnStarted(1, "stream")
//	tracker.Token(1)
//	stats, _ := tracker.TurnFinished(1, telemetry.OutcomeCompleted, nil)
//	fmt.Println(stats.FirstToken)
//
// # Privacy
//
// Stats files hold counters only. Message text leaves the process only when
// a NATS URL is configured.
package telemetry
