// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session holds the single shared chat session state.
//
// State is the only writer of the persisted session. Transports and the
// polling loop never touch it directly; the coordinator applies their
// events through a narrow set of mutations.
//
// # Invariants
//
//   - At most one trailing empty, unfinished assistant placeholder
//   - Updates aimed at the last assistant message never modify a user message
//   - Every mutation is persisted before observers are notified
//
// # Usage
//
//	state := session.NewState(session.Config{ChatflowID: id, Persister: store})
//	unsub := state.Subscribe(func(s session.Snapshot) { render(s.Transcript) })
//	defer unsub()
//	state.AppendMessage(model.NewMessage(model.RoleUser, "hi"))
package session
