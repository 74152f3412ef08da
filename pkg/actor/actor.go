// Copyright 2023 The emqx-go Authors
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
	"sync"

	"github.com/turtacn/emqx-core/pkg/types"
)

// Actor defines the interface for a long-running process.
// An actor owns its own mailbox (if any) and runs until its context is
// cancelled or it fails.
type Actor interface {
	// Start runs the actor. It should block until the actor is terminated and
	// return an error if it terminates unexpectedly.
	Start(ctx context.Context) error
}

// Func adapts a plain function to the Actor interface.
type Func func(ctx context.Context) error

// Start calls f(ctx).
func (f Func) Start(ctx context.Context) error {
	return f(ctx)
}

// Mailbox is a bounded, closable message queue for an actor.
// Senders never panic on a closed mailbox: the channel itself is never closed,
// closing is signalled through done instead.
type Mailbox[T any] struct {
	messages chan T
	done     chan struct{}
	once     sync.Once

	// Senders hold the read lock while they may still write to messages, so
	// Close can wait them out before draining.
	mu sync.RWMutex
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 0 {
		size = 0
	}
	return &Mailbox[T]{
		messages: make(chan T, size),
		done:     make(chan struct{}),
	}
}

// TrySend puts msg into the mailbox without blocking. It fails with
// ErrChannelFull when the buffer is full and ErrChannelClosed once the
// mailbox has been closed.
func (mb *Mailbox[T]) TrySend(msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return types.ErrChannelClosed
	default:
	}

	select {
	case mb.messages <- msg:
		return nil
	default:
		return types.ErrChannelFull
	}
}

// Send puts msg into the mailbox, waiting for space until ctx is done. A
// deadline that expires while the buffer is full yields ErrChannelFull.
func (mb *Mailbox[T]) Send(ctx context.Context, msg T) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return types.ErrChannelClosed
	default:
	}

	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return types.ErrChannelClosed
	case <-ctx.Done():
		return types.ErrChannelFull
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled. Messages still buffered after Close remain receivable until
// Close has drained them.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case msg := <-mb.messages:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	case <-mb.done:
		var zero T
		return zero, types.ErrChannelClosed
	}
}

// Chan returns the underlying message channel for use in select statements.
// The channel is never closed; use Done to observe closing.
func (mb *Mailbox[T]) Chan() <-chan T {
	return mb.messages
}

// Done is closed when the mailbox is closed.
func (mb *Mailbox[T]) Done() <-chan struct{} {
	return mb.done
}

// Closed reports whether Close has been called.
func (mb *Mailbox[T]) Closed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered messages.
func (mb *Mailbox[T]) Len() int {
	return len(mb.messages)
}

// Close stops accepting messages and returns whatever was still buffered, in
// arrival order. Only the first call drains; later calls return nil.
func (mb *Mailbox[T]) Close() []T {
	var drained []T
	mb.once.Do(func() {
		close(mb.done)
		// Wait for in-flight senders to observe done or finish their write.
		mb.mu.Lock()
		defer mb.mu.Unlock()
		for {
			select {
			case msg := <-mb.messages:
				drained = append(drained, msg)
			default:
				return
			}
		}
	})
	return drained
}
