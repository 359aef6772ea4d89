// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import "fmt"

// =============================================================================
// DELIVERY STATE
// =============================================================================

// State is the delivery state of the session.
type State string

const (
	// StateIdle means no answer is outstanding.
	StateIdle State = "Idle"

	// StateAwaitingResponse means a turn is in flight.
	StateAwaitingResponse State = "AwaitingResponse"

	// StateOperatorHandoff means a human operator owns the conversation.
	StateOperatorHandoff State = "OperatorHandoff"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// isValidTransition reports whether from -> to is allowed.
func isValidTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateAwaitingResponse || to == StateOperatorHandoff
	case StateAwaitingResponse:
		// A new turn may supersede the one in flight.
		return to == StateIdle || to == StateOperatorHandoff || to == StateAwaitingResponse
	case StateOperatorHandoff:
		return to == StateAwaitingResponse || to == StateIdle || to == StateOperatorHandoff
	default:
		return false
	}
}

// transitionError describes a rejected state change.
type transitionError struct {
	From, To State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s", e.From, e.To)
}

// =============================================================================
// ROUTES
// =============================================================================

// Route is the delivery path chosen for a turn.
type Route int

const (
	// RouteSync posts once and waits for the whole answer.
	RouteSync Route = iota
	// RouteStream reads the answer as server-sent events.
	RouteStream
	// RouteHandoff posts once while an operator may own the chat.
	RouteHandoff
)

// String returns the route name.
func (r Route) String() string {
	switch r {
	case RouteStream:
		return "stream"
	case RouteHandoff:
		return "handoff"
	default:
		return "sync"
	}
}
