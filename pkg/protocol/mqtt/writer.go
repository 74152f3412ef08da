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

package mqtt

import (
	"context"
	"io"
	"sync"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

// Writer owns the outbound side of one client connection. It drains the
// connection's delivery mailbox, assigns packet ids to QoS 1 and 2
// deliveries and keeps them in flight until the client acknowledges them.
// All writes to the network go through it.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	version byte
	sess    *session.Session
	conn    *session.Connection
	log     *zap.Logger
}

// NewWriter creates the writer of conn.
func NewWriter(w io.Writer, version byte, sess *session.Session, conn *session.Connection) *Writer {
	return &Writer{
		w:       w,
		version: version,
		sess:    sess,
		conn:    conn,
		log:     logger.Named("mqtt").With(zap.String("client_id", sess.ClientID)),
	}
}

// Send writes one packet.
func (w *Writer) Send(pk *packets.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	countPacket("out", pk)
	return WritePacket(w.w, pk)
}

// Start resends the publishes left in flight by a previous connection and
// then delivers from the mailbox until ctx or the connection ends.
func (w *Writer) Start(ctx context.Context) error {
	for _, p := range w.sess.Inflight() {
		p.Dup = true
		if err := w.Send(publishPacket(w.version, p)); err != nil {
			return err
		}
	}

	tx := w.conn.Tx()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.conn.Context().Done():
			return nil
		case p := <-tx.Chan():
			if err := w.deliver(p); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) deliver(p types.Publish) error {
	if p.QoS > types.AtMostOnce {
		id, err := w.sess.NextPacketID()
		if err != nil {
			// Every id is in flight; the client is not acknowledging. Keep
			// the message for the next resume of the session.
			w.log.Warn("Deferring delivery", zap.String("topic", p.Topic), zap.Error(err))
			w.sess.Enqueue(p)
			return nil
		}
		p.PacketID = id
		p.Dup = false
		w.sess.TrackInflight(p)
	}
	return w.Send(publishPacket(w.version, p))
}
