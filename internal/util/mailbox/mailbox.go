/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mailbox provides the unbounded, ordered command queue that every
// long-lived component drains on its own goroutine.
//
// Posting never blocks on the consumer, so a goroutine may safely post to its
// own mailbox (for example from inside a callback it is currently running).
package mailbox

import (
	"sync"

	infinity "github.com/Code-Hex/go-infinity-channel"
)

// Mailbox is a FIFO of closures. The zero value is not usable; use New.
type Mailbox struct {
	mu     sync.RWMutex
	closed bool
	ch     *infinity.Channel[func()]
}

// New returns an open Mailbox.
func New() *Mailbox {
	return &Mailbox{
		ch: infinity.NewChannel[func()](),
	}
}

// Post enqueues fn. It returns false once the mailbox is closed.
func (m *Mailbox) Post(fn func()) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}

	m.ch.In() <- fn

	return true
}

// Out returns the channel the owner drains. It is closed after Close once
// every closure posted before Close has been received.
func (m *Mailbox) Out() <-chan func() {
	return m.ch.Out()
}

// Close stops accepting new closures. It is safe to call more than once.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	m.ch.Close()
}

// Closed reports whether Close was called.
func (m *Mailbox) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}

// Drain runs every closure until the mailbox is closed and emptied.
func (m *Mailbox) Drain() {
	for fn := range m.ch.Out() {
		fn()
	}
}
