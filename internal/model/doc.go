// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by the chat widget core.
//
// The JSON shape of Message matches the history persisted by the browser
// widget, so transcripts can move between the two without conversion.
//
// # Key Types
//
//   - Message: Single transcript entry with role, text, and side-channel payloads
//   - Action: Interactive buttons attached to an assistant reply
//   - Role: Entry author (userMessage, apiMessage, leadCaptureMessage)
//   - Mode: Transport selector (LLM_STREAMING, LLM_SYNC, OPERATOR_POLLING)
//
// # Usage
//
// Normalize an action received from the backend:
//
//	action, err := model.NormalizeAction(payload)
//	if err == nil && action != nil {
//	    for _, el := range action.Elements {
//	        fmt.Println(el.Label, el.IsOperatorHandoff())
//	    }
//	}
package model
