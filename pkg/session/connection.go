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

package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/emqx-core/pkg/actor"
	"github.com/turtacn/emqx-core/pkg/types"
)

const defaultMailboxSize = 1024

// ConnInfo describes the transport side of a connection.
type ConnInfo struct {
	ProtocolVersion byte
	RemoteAddr      string
	Username        string
	Listener        string
}

// Connection is the live delivery handle of a connected client. Messages
// sent to Tx are written to the network by the protocol front-end.
type Connection struct {
	ID          string
	Info        ConnInfo
	ConnectedAt time.Time

	tx     *actor.Mailbox[types.Publish]
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates a connection whose context derives from parent.
// The context is cancelled when the connection is closed or kicked.
func NewConnection(parent context.Context, info ConnInfo, mailboxSize int) *Connection {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	ctx, cancel := context.WithCancel(parent)
	return &Connection{
		ID:          uuid.NewString(),
		Info:        info,
		ConnectedAt: time.Now(),
		tx:          actor.NewMailbox[types.Publish](mailboxSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Tx returns the delivery mailbox. It never blocks.
func (c *Connection) Tx() *actor.Mailbox[types.Publish] {
	return c.tx
}

// Context is done once the connection has been closed.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Close cancels the connection and closes its mailbox. It returns the
// messages that were accepted but not yet written, so the caller can requeue
// them. Only the first call returns messages.
func (c *Connection) Close() []types.Publish {
	c.cancel()
	return c.tx.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.tx.Closed()
}
