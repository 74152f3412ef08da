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
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/types"
)

// newWriterEntry registers a connected client and returns its entry together
// with a writer that encodes onto buf.
func newWriterEntry(t *testing.T, buf *bytes.Buffer) (*broker.Entry, *Writer) {
	t.Helper()
	shared := broker.NewShared(router.New("node1"), broker.Options{})
	sess := session.New("c1", session.Options{})
	conn := session.NewConnection(context.Background(), session.ConnInfo{ProtocolVersion: 4}, 8)

	e := shared.Entry("c1")
	l, err := e.TryLock()
	require.NoError(t, err)
	require.NoError(t, l.Set(sess, conn))
	l.Unlock()
	return e, NewWriter(buf, 4, sess, conn)
}

func forwardAndDeliver(t *testing.T, e *broker.Entry, w *Writer, p types.Publish) {
	t.Helper()
	require.Nil(t, e.Forward(context.Background(), types.FromClientID("node1", "pub"), p))
	msg, err := e.Connection().Tx().Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, w.deliver(msg))
}

func TestWriterAckClearsInflight(t *testing.T) {
	var buf bytes.Buffer
	e, w := newWriterEntry(t, &buf)
	sess := e.Session()

	for i := 0; i < 3; i++ {
		forwardAndDeliver(t, e, w, types.NewPublish("jobs/1", []byte("run"), 1, false))

		pk, err := ReadPacket(bufio.NewReader(&buf), 4, 0)
		require.NoError(t, err)
		require.Equal(t, packets.Publish, pk.FixedHeader.Type)
		require.NotZero(t, pk.PacketID)
		require.Len(t, sess.Inflight(), 1)

		_, ok := sess.Ack(pk.PacketID)
		require.True(t, ok, "the id on the wire is the tracked one")
		assert.Empty(t, sess.Inflight())
	}
}

func TestWriterResumeResendsOnlyUnacked(t *testing.T) {
	var buf bytes.Buffer
	e, w := newWriterEntry(t, &buf)
	sess := e.Session()

	forwardAndDeliver(t, e, w, types.NewPublish("a", []byte("acked"), 1, false))
	forwardAndDeliver(t, e, w, types.NewPublish("b", []byte("pending"), 1, false))
	r := bufio.NewReader(&buf)
	first, err := ReadPacket(r, 4, 0)
	require.NoError(t, err)
	_, err = ReadPacket(r, 4, 0)
	require.NoError(t, err)
	_, ok := sess.Ack(first.PacketID)
	require.True(t, ok)

	// A resumed connection resends the unacknowledged publish once.
	var resumed bytes.Buffer
	conn := session.NewConnection(context.Background(), session.ConnInfo{ProtocolVersion: 4}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, NewWriter(&resumed, 4, sess, conn).Start(ctx))

	pk, err := ReadPacket(bufio.NewReader(&resumed), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, "b", pk.TopicName)
	assert.True(t, pk.FixedHeader.Dup)
	assert.Zero(t, resumed.Len())
}

func TestWriterDefersWhenIDsExhausted(t *testing.T) {
	var buf bytes.Buffer
	e, w := newWriterEntry(t, &buf)
	sess := e.Session()
	for id := 1; id <= 65535; id++ {
		sess.TrackInflight(types.Publish{Topic: "t", QoS: 1, PacketID: uint16(id)})
	}

	forwardAndDeliver(t, e, w, types.NewPublish("late", []byte("x"), 1, false))
	assert.Zero(t, buf.Len())

	kept := sess.DrainPending()
	require.Len(t, kept, 1)
	assert.Equal(t, "late", kept[0].Topic)
}
