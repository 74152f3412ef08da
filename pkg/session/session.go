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

// Package session holds the per-client state owned by a registry entry: the
// Session, which survives reconnects, and the Connection, which is the live
// delivery side of one network connection.
package session

import (
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/emqx-core/pkg/types"
)

// ErrPacketIDExhausted is returned when every packet id is in flight.
var ErrPacketIDExhausted = errors.New("no free packet id")

const defaultPendingLimit = 1000

// Options configures a new Session.
type Options struct {
	CleanStart bool
	KeepAlive  time.Duration
	// Will is published when the connection ends without a clean disconnect.
	Will *types.Publish
	// PendingLimit bounds the queue of messages kept while disconnected.
	PendingLimit int
}

// Session is the state of one client that outlives a single connection.
// Mutations are serialised by the owning entry's lock; the inner mutex only
// guards against the outbound writer reading while the entry mutates.
type Session struct {
	ClientID   types.ClientID
	CleanStart bool
	KeepAlive  time.Duration
	CreatedAt  time.Time

	mu           sync.Mutex
	will         *types.Publish
	subs         map[types.TopicFilter]types.QoS
	inflight     map[uint16]types.Publish
	nextPacketID uint16
	pending      []types.Publish
	pendingLimit int
	dropped      uint64

	lastActive atomic.Int64
}

// New creates a Session for clientID.
func New(clientID types.ClientID, opts Options) *Session {
	limit := opts.PendingLimit
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	now := time.Now()
	s := &Session{
		ClientID:     clientID,
		CleanStart:   opts.CleanStart,
		KeepAlive:    opts.KeepAlive,
		CreatedAt:    now,
		will:         opts.Will,
		subs:         make(map[types.TopicFilter]types.QoS),
		inflight:     make(map[uint16]types.Publish),
		pendingLimit: limit,
	}
	s.lastActive.Store(now.UnixNano())
	return s
}

// AddSubscription records filter at qos. It reports whether the filter was
// already present, in which case only its QoS is refreshed.
func (s *Session) AddSubscription(filter types.TopicFilter, qos types.QoS) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.subs[filter]
	s.subs[filter] = qos
	return existed
}

// RemoveSubscription forgets filter and reports whether it was present.
func (s *Session) RemoveSubscription(filter types.TopicFilter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[filter]
	delete(s.subs, filter)
	return ok
}

// Subscriptions returns a copy of the filter to QoS map.
func (s *Session) Subscriptions() map[types.TopicFilter]types.QoS {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.subs)
}

// NextPacketID allocates a packet id not currently in flight. Ids start at 1
// and wrap around, skipping 0.
func (s *Session) NextPacketID() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range 65535 {
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, busy := s.inflight[s.nextPacketID]; !busy {
			return s.nextPacketID, nil
		}
	}
	return 0, ErrPacketIDExhausted
}

// TrackInflight records a QoS 1/2 publish awaiting acknowledgement.
func (s *Session) TrackInflight(p types.Publish) {
	if p.QoS == types.AtMostOnce || p.PacketID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[p.PacketID] = p
}

// Ack completes the inflight publish with packetID.
func (s *Session) Ack(packetID uint16) (types.Publish, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.inflight[packetID]
	delete(s.inflight, packetID)
	return p, ok
}

// Inflight returns the publishes still awaiting acknowledgement.
func (s *Session) Inflight() []types.Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Publish, 0, len(s.inflight))
	for _, p := range s.inflight {
		out = append(out, p)
	}
	return out
}

// Enqueue appends messages to the pending queue. When the queue is full the
// oldest messages are dropped; the number dropped is returned.
func (s *Session) Enqueue(msgs ...types.Publish) int {
	if len(msgs) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msgs...)
	over := len(s.pending) - s.pendingLimit
	if over <= 0 {
		return 0
	}
	s.pending = append([]types.Publish(nil), s.pending[over:]...)
	s.dropped += uint64(over)
	return over
}

// DrainPending empties the pending queue and returns its content in order.
func (s *Session) DrainPending() []types.Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// PendingLen returns the number of queued messages.
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Dropped returns how many queued messages were discarded for lack of room.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Will returns the will message, if any.
func (s *Session) Will() *types.Publish {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.will
}

// SetWill replaces the will message. A resumed session takes the will of the
// new connection.
func (s *Session) SetWill(will *types.Publish) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = will
}

// ClearWill drops the will message. A clean disconnect calls it.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = nil
}

// Touch records client activity.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last recorded activity.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}
