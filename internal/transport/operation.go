// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Kind selects the transport for a prediction.
type Kind int

const (
	KindSync Kind = iota
	KindStream
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindStream {
		return "stream"
	}
	return "sync"
}

// EventKind classifies operation events.
type EventKind int

const (
	// EventStarted is sent once the request has been written.
	EventStarted EventKind = iota
	// EventToken carries streamed answer text.
	EventToken
	// EventSideChannel carries any non-token stream frame.
	EventSideChannel
	// EventCompleted is terminal: the answer is complete.
	EventCompleted
	// EventFailed is terminal: the request failed.
	EventFailed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventToken:
		return "token"
	case EventSideChannel:
		return "sideChannel"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further events follow.
func (k EventKind) IsTerminal() bool {
	return k == EventCompleted || k == EventFailed
}

// Event is one step of an operation.
type Event struct {
	Kind EventKind

	// Text is set for EventToken.
	Text string

	// Channel and Payload are set for EventSideChannel.
	Channel string
	Payload json.RawMessage

	// Response is set for EventCompleted after a sync call or a mode
	// change. It is nil when a stream ended normally.
	Response *PredictionResponse

	// Err is set for EventFailed.
	Err error
}

// eventBuffer lets a stream run ahead of a slow consumer.
const eventBuffer = 64

// Operation is one in-flight prediction. Events arrive in backend order on
// Events(), which is closed when the operation ends. A cancelled operation
// sends no terminal event.
type Operation struct {
	kind   Kind
	events chan Event
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newOperation(parent context.Context, kind Kind) *Operation {
	ctx, cancel := context.WithCancel(parent)
	return &Operation{
		kind:   kind,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Kind returns the transport used.
func (o *Operation) Kind() Kind { return o.kind }

// Events returns the event channel.
func (o *Operation) Events() <-chan Event { return o.events }

// Done is closed after the last event has been sent.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Cancel aborts the operation. It is safe to call more than once.
func (o *Operation) Cancel() { o.cancel() }

// Err returns the failure, context.Canceled after Cancel, or nil.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) setErr(err error) {
	o.mu.Lock()
	if o.err == nil {
		o.err = err
	}
	o.mu.Unlock()
}

// emit delivers ev unless the operation was cancelled.
func (o *Operation) emit(ev Event) bool {
	if o.ctx.Err() != nil {
		return false
	}
	select {
	case o.events <- ev:
		return true
	case <-o.ctx.Done():
		return false
	}
}

// fail records err and emits EventFailed, unless cancellation caused it.
func (o *Operation) fail(err error) {
	if o.ctx.Err() != nil {
		o.setErr(context.Canceled)
		return
	}
	o.setErr(err)
	o.emit(Event{Kind: EventFailed, Err: err})
}

func (o *Operation) complete(resp *PredictionResponse) {
	o.emit(Event{Kind: EventCompleted, Response: resp})
}

// finish closes the channels. Run it deferred in the operation goroutine.
func (o *Operation) finish() {
	if o.ctx.Err() != nil {
		o.setErr(context.Canceled)
	}
	close(o.events)
	close(o.done)
	o.cancel()
}
