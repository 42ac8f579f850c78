// Copyright 2024 The brokerguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by Receive once the mailbox is closed and
// drained.
var ErrMailboxClosed = errors.New("mailbox closed")

// Actor is a long-running process fed by a Mailbox.
type Actor interface {
	// Start runs the actor until ctx is done or the actor fails. It must
	// block for the actor's whole life. A returned error marks an abnormal
	// termination for the supervisor.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is an unbounded FIFO queue for an actor. Send never blocks, so
// producers running on broker callback goroutines cannot be stalled by a slow
// consumer. Messages survive an actor restart because the mailbox is owned by
// the supervisor spec, not by the actor.
type Mailbox struct {
	mu     sync.Mutex
	queue  []any
	notify chan struct{}
	closed bool
}

// NewMailbox creates a mailbox. sizeHint preallocates queue capacity.
func NewMailbox(sizeHint int) *Mailbox {
	if sizeHint < 0 {
		sizeHint = 0
	}
	return &Mailbox{
		queue:  make([]any, 0, sizeHint),
		notify: make(chan struct{}, 1),
	}
}

// Send appends msg to the mailbox. It returns false if the mailbox is closed.
func (mb *Mailbox) Send(msg any) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		return false
	}
	mb.queue = append(mb.queue, msg)
	mb.mu.Unlock()

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until a message is available or ctx is done. Messages queued
// before Close are still delivered; after that it returns ErrMailboxClosed.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	for {
		mb.mu.Lock()
		if len(mb.queue) > 0 {
			msg := mb.queue[0]
			mb.queue[0] = nil
			mb.queue = mb.queue[1:]
			if len(mb.queue) == 0 {
				mb.queue = mb.queue[:0:0]
			}
			mb.mu.Unlock()
			return msg, nil
		}
		closed := mb.closed
		mb.mu.Unlock()
		if closed {
			return nil, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-mb.notify:
		}
	}
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// Close stops the mailbox from accepting messages and wakes a blocked
// receiver. It is safe to call more than once.
func (mb *Mailbox) Close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
}
