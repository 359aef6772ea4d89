// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package coordinator

import (
	"sync"

	"github.com/jeranaias/chatwidget/internal/transport"
)

// =============================================================================
// PENDING OPERATION (THREAD-SAFE)
// =============================================================================

// pendingOperation holds the single in-flight prediction. It must be used
// as a pointer so the mutex is never copied.
type pendingOperation struct {
	mu  sync.Mutex
	op  *transport.Operation
	gen uint64
}

func newPendingOperation() *pendingOperation {
	return &pendingOperation{}
}

// set cancels whatever is in flight and stores op for turn gen.
func (p *pendingOperation) set(gen uint64, op *transport.Operation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.op != nil {
		p.op.Cancel()
	}
	p.op = op
	p.gen = gen
}

// cancel aborts the in-flight operation, if any, and forgets it.
// Safe to call multiple times.
func (p *pendingOperation) cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.op != nil {
		p.op.Cancel()
		p.op = nil
	}
}

// clear forgets the operation of turn gen once it has finished on its own.
func (p *pendingOperation) clear(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.op != nil && p.gen == gen {
		p.op = nil
	}
}

// active reports whether an operation is in flight.
func (p *pendingOperation) active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.op != nil
}
