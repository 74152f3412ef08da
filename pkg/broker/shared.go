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

// Package broker is the session registry of the node and the facade protocol
// front-ends talk to.
//
// Every client id owns one Entry in a sharded concurrent map. An Entry holds
// the client's Session and live Connection behind a single atomic pointer and
// is mutated only through a LockedEntry, which is acquired with a
// non-blocking TryLock. The registry map's own locks are never held while an
// entry is being worked on.
package broker

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/tracing"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	lockBackoffMin = time.Millisecond
	lockBackoffMax = 50 * time.Millisecond
)

// RemoteForwarder ships a publish to other nodes. targets maps each node to
// the filters that matched there; the receiving node resolves subscribers and
// QoS against its own router. The result holds an error for every node that
// could not be reached.
type RemoteForwarder interface {
	ForwardRemote(ctx context.Context, from types.From, p types.Publish, targets map[types.NodeID][]types.TopicFilter) map[types.NodeID]error
}

// Options tunes delivery.
type Options struct {
	// MaxQoS caps the QoS granted to subscriptions.
	MaxQoS types.QoS
	// DeliveryTimeout is how long a delivery may wait on a full mailbox.
	// Zero fails immediately.
	DeliveryTimeout time.Duration
}

// Shared is the registry of every client known to this node.
type Shared struct {
	router  router.Router
	opts    Options
	entries cmap.ConcurrentMap
	remote  atomic.Pointer[RemoteForwarder]

	connections atomic.Int64
	sessions    atomic.Int64

	log *zap.Logger
}

// NewShared creates an empty registry routing through r.
func NewShared(r router.Router, opts Options) *Shared {
	if !opts.MaxQoS.Valid() {
		opts.MaxQoS = types.ExactlyOnce
	}
	return &Shared{
		router:  r,
		opts:    opts,
		entries: cmap.New(),
		log:     logger.Named("broker"),
	}
}

// SetRemoteForwarder installs the cluster transport. Without one, remote
// matches fail with ReasonRemoteUnavailable.
func (s *Shared) SetRemoteForwarder(f RemoteForwarder) {
	if f == nil {
		s.remote.Store(nil)
		return
	}
	s.remote.Store(&f)
}

// NodeID returns the identity of this node.
func (s *Shared) NodeID() types.NodeID {
	return s.router.NodeID()
}

// Router returns the router the registry subscribes through.
func (s *Shared) Router() router.Router {
	return s.router
}

// Entry returns the entry of id, creating an empty one if needed. It never
// fails; the entry may be detached by the time the caller locks it, in which
// case TryLock reports ErrBusy and the caller asks again.
func (s *Shared) Entry(id types.ClientID) *Entry {
	v := s.entries.Upsert(id, nil, func(exist bool, inMap interface{}, _ interface{}) interface{} {
		if exist {
			return inMap
		}
		return newEntry(id, s)
	})
	return v.(*Entry)
}

// Lookup returns the entry of id without creating one.
func (s *Shared) Lookup(id types.ClientID) (*Entry, bool) {
	v, ok := s.entries.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// LockEntry locks the entry of id, retrying with backoff while it is busy.
// It gives up when ctx is done.
func (s *Shared) LockEntry(ctx context.Context, id types.ClientID) (*LockedEntry, error) {
	backoff := lockBackoffMin
	for {
		l, err := s.Entry(id).TryLock()
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, types.ErrBusy) {
			return nil, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Debug("Gave up waiting for busy entry", zap.String("client_id", id))
			return nil, errors.Join(types.ErrBusy, ctx.Err())
		case <-timer.C:
		}
		backoff = min(backoff*2, lockBackoffMax)
	}
}

// Forwards delivers p to every subscriber whose filter matches its topic.
// A local subscriber receives one copy per matching filter at the lower of
// the publish and subscription QoS. Nodes with matches are handed to the
// remote forwarder. Destinations that failed are reported in a
// *ForwardsError; the rest received the message.
func (s *Shared) Forwards(ctx context.Context, from types.From, p types.Publish) error {
	ctx, end := tracing.StartSpan(ctx, "broker.Forwards",
		attribute.String("topic", p.Topic), attribute.String("from", from.Id.String()))

	local, remote := s.router.Matches(ctx, p.Topic)
	failures := &ForwardsError{}
	s.deliver(ctx, from, p, local, nil, failures)
	if len(remote) > 0 {
		s.forwardRemote(ctx, from, p, remote, failures)
	}

	err := failures.orNil()
	end(err)
	return err
}

// ForwardsLocal delivers a publish received from another node. Only local
// subscriptions registered under one of filters are served.
func (s *Shared) ForwardsLocal(ctx context.Context, from types.From, p types.Publish, filters []types.TopicFilter) error {
	ctx, end := tracing.StartSpan(ctx, "broker.ForwardsLocal", attribute.String("topic", p.Topic))

	allowed := make(map[types.TopicFilter]struct{}, len(filters))
	for _, f := range filters {
		allowed[f] = struct{}{}
	}
	local, _ := s.router.Matches(ctx, p.Topic)
	failures := &ForwardsError{}
	s.deliver(ctx, from, p, local, allowed, failures)

	err := failures.orNil()
	end(err)
	return err
}

func (s *Shared) deliver(ctx context.Context, from types.From, p types.Publish, matches []types.Match, allowed map[types.TopicFilter]struct{}, failures *ForwardsError) {
	for _, m := range matches {
		if allowed != nil {
			if _, ok := allowed[m.Filter]; !ok {
				continue
			}
		}
		msg := p.WithQoS(types.MinQoS(p.QoS, m.QoS))
		e, ok := s.Lookup(m.Client)
		if !ok {
			metrics.ForwardsTotal.WithLabelValues(types.ReasonNotConnected.String()).Inc()
			failures.add(&ForwardError{
				To:      types.To{Id: types.Id{Node: s.NodeID(), Client: m.Client}},
				From:    from,
				Publish: msg,
				Reason:  types.ReasonNotConnected,
			})
			continue
		}
		if ferr := e.Forward(ctx, from, msg); ferr != nil {
			failures.add(ferr)
		}
	}
}

func (s *Shared) forwardRemote(ctx context.Context, from types.From, p types.Publish, targets map[types.NodeID][]types.TopicFilter, failures *ForwardsError) {
	var errs map[types.NodeID]error
	if f := s.remote.Load(); f != nil {
		errs = (*f).ForwardRemote(ctx, from, p, targets)
	} else {
		errs = make(map[types.NodeID]error, len(targets))
		for node := range targets {
			errs[node] = types.ErrRemoteUnavailable
		}
	}

	for node, err := range errs {
		if err == nil {
			continue
		}
		reason := types.ReasonOf(err)
		if reason == types.ReasonUnspecified {
			reason = types.ReasonRemoteUnavailable
		}
		s.log.Debug("Remote forward failed",
			zap.String("node", node), zap.String("topic", p.Topic), zap.Error(err))
		failures.add(&ForwardError{
			To:      types.To{Id: types.Id{Node: node}},
			From:    from,
			Publish: p,
			Reason:  reason,
		})
	}
}

// Connections returns the number of entries with a live connection.
func (s *Shared) Connections() int {
	return int(s.connections.Load())
}

// Sessions returns the number of entries holding a session.
func (s *Shared) Sessions() int {
	return int(s.sessions.Load())
}

// Iter yields the entries present when the range starts. Entries added
// during the range are not seen; removed ones may still be.
func (s *Shared) Iter() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		for _, v := range s.entries.Items() {
			if !yield(v.(*Entry)) {
				return
			}
		}
	}
}

// RandomSession picks one connected client uniformly at random.
func (s *Shared) RandomSession() (*session.Session, *session.Connection, bool) {
	var connected []*state
	for e := range s.Iter() {
		if st := e.state.Load(); st != nil && st.conn != nil {
			connected = append(connected, st)
		}
	}
	if len(connected) == 0 {
		return nil, nil, false
	}
	st := connected[rand.IntN(len(connected))]
	return st.session, st.conn, true
}

// account adjusts the counters for a state transition.
func (s *Shared) account(prev, next *state) {
	conns := connected(next) - connected(prev)
	sessions := held(next) - held(prev)
	if conns != 0 {
		s.connections.Add(int64(conns))
		metrics.ConnectedClients.Add(float64(conns))
	}
	if sessions != 0 {
		s.sessions.Add(int64(sessions))
		metrics.Sessions.Add(float64(sessions))
	}
}

// drop removes e from the map unless the slot already holds a newer entry.
func (s *Shared) drop(e *Entry) {
	s.entries.RemoveCb(e.id, func(_ string, v interface{}, exists bool) bool {
		return exists && v.(*Entry) == e
	})
}

func connected(st *state) int {
	if st != nil && st.conn != nil {
		return 1
	}
	return 0
}

func held(st *state) int {
	if st != nil {
		return 1
	}
	return 0
}
