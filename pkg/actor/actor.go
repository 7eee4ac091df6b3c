// Copyright 2022 The emqx-go Authors
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

// package actor defines the minimal actor contract used by the gateway's
// long-running background workers. Workers are supervised by
// pkg/supervisor and receive requests through a Mailbox.
package actor

import "context"

// Actor is a long-running worker driven by messages from its mailbox.
type Actor interface {
	// Start runs the actor until ctx is canceled or it fails. It blocks for
	// the lifetime of the actor; a returned error is reported to the
	// supervisor, which decides whether to restart it.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded message queue for an actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox that buffers up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while it is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports
// whether the message was accepted.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or ctx is canceled, in which case it
// returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the receive side of the mailbox for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
