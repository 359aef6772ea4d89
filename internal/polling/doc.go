// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package polling fetches operator messages while a human has the chat.
//
// While the conversation is with an operator the backend cannot push, so a
// Loop asks for new messages every two seconds, merges what is new into the
// session, and stops by itself when an operator sign-off arrives.
//
// Each tick:
//
//  1. fetches messages newer than the watermark
//  2. decodes any of the response shapes (array, data, messages, object)
//  3. merges records not yet in the transcript, sorted by time
//  4. moves the watermark forward to the newest message by timestamp
//  5. stops the loop if a new message is a closing phrase
package polling
