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

package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/turtacn/emqx-core/pkg/actor"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

// errNoSession is returned by Set when called without a session.
var errNoSession = errors.New("entry state requires a session")

// state is the immutable pair published by an Entry. A Connection is never
// visible without the Session it belongs to.
type state struct {
	session *session.Session
	conn    *session.Connection
}

// Entry is the registry slot of one client id. Reads are lock-free
// snapshots; every mutation goes through a LockedEntry obtained with TryLock.
type Entry struct {
	id     types.ClientID
	shared *Shared

	mu       sync.Mutex
	state    atomic.Pointer[state]
	detached atomic.Bool
}

func newEntry(id types.ClientID, shared *Shared) *Entry {
	return &Entry{id: id, shared: shared}
}

// ID returns the client id of the entry.
func (e *Entry) ID() types.ClientID {
	return e.id
}

// TryLock takes exclusive ownership of the entry without waiting. It fails
// with ErrBusy when another holder has it or when the entry has already been
// removed from the registry, in which case the caller resolves the client id
// again through Shared.Entry.
func (e *Entry) TryLock() (*LockedEntry, error) {
	if !e.mu.TryLock() {
		return nil, types.ErrBusy
	}
	if e.detached.Load() {
		e.mu.Unlock()
		return nil, types.ErrBusy
	}
	return &LockedEntry{e: e}, nil
}

// IsConnected reports whether a live connection is attached.
func (e *Entry) IsConnected() bool {
	st := e.state.Load()
	return st != nil && st.conn != nil
}

// Session returns the current session, or nil.
func (e *Entry) Session() *session.Session {
	if st := e.state.Load(); st != nil {
		return st.session
	}
	return nil
}

// Connection returns the current connection, or nil.
func (e *Entry) Connection() *session.Connection {
	if st := e.state.Load(); st != nil {
		return st.conn
	}
	return nil
}

// Tx returns the delivery mailbox of the current connection, if any.
func (e *Entry) Tx() (*actor.Mailbox[types.Publish], bool) {
	st := e.state.Load()
	if st == nil || st.conn == nil {
		return nil, false
	}
	return st.conn.Tx(), true
}

// Forward delivers p to the live connection's mailbox. Packet ids are left to
// the connection's writer, which owns the in-flight window. The returned
// error is nil on success and otherwise carries the original from and
// publish.
func (e *Entry) Forward(ctx context.Context, from types.From, p types.Publish) *ForwardError {
	st := e.state.Load()
	if st == nil || st.conn == nil {
		return e.forwardError(from, p, types.ReasonNotConnected)
	}

	msg := p
	msg.PacketID = 0
	err := st.conn.Tx().TrySend(msg)
	if errors.Is(err, types.ErrChannelFull) && e.shared.opts.DeliveryTimeout > 0 {
		sendCtx, cancel := context.WithTimeout(ctx, e.shared.opts.DeliveryTimeout)
		err = st.conn.Tx().Send(sendCtx, msg)
		cancel()
	}
	if err != nil {
		return e.forwardError(from, p, types.ReasonOf(err))
	}
	metrics.ForwardsTotal.WithLabelValues(types.ReasonSuccess.String()).Inc()
	return nil
}

func (e *Entry) forwardError(from types.From, p types.Publish, reason types.Reason) *ForwardError {
	metrics.ForwardsTotal.WithLabelValues(reason.String()).Inc()
	return &ForwardError{
		To:      types.To{Id: types.Id{Node: e.shared.NodeID(), Client: e.id}},
		From:    from,
		Publish: p,
		Reason:  reason,
	}
}

// swap publishes next and keeps the registry counters in step with the
// transition.
func (e *Entry) swap(next *state) *state {
	prev := e.state.Swap(next)
	e.shared.account(prev, next)
	return prev
}

// LockedEntry is exclusive ownership of an Entry. It must be released with
// Unlock and must not be used afterwards.
type LockedEntry struct {
	e        *Entry
	released bool
}

// Entry returns the locked entry.
func (l *LockedEntry) Entry() *Entry {
	return l.e
}

// Session returns the current session, or nil.
func (l *LockedEntry) Session() *session.Session {
	return l.e.Session()
}

// Connection returns the current connection, or nil.
func (l *LockedEntry) Connection() *session.Connection {
	return l.e.Connection()
}

// Set attaches sess and conn in one step. conn may be nil to keep a session
// without a live connection.
func (l *LockedEntry) Set(sess *session.Session, conn *session.Connection) error {
	if sess == nil {
		return errNoSession
	}
	if l.e.detached.Load() {
		return fmt.Errorf("%w: entry %s was removed", types.ErrBusy, l.e.id)
	}
	l.e.swap(&state{session: sess, conn: conn})
	if conn != nil {
		sess.Touch()
	}
	return nil
}

// Remove detaches the state and drops the entry from the registry. The
// connection is left as is. ok is false when the entry held nothing.
func (l *LockedEntry) Remove() (*session.Session, *session.Connection, bool) {
	prev := l.e.swap(nil)
	l.detach()
	if prev == nil {
		return nil, nil, false
	}
	return prev.session, prev.conn, true
}

// Kick closes the live connection, moving messages it had not written yet
// into the session's pending queue. With clearSubscriptions the client's
// router registrations are removed too. The entry is then detached. Kick
// runs to completion even if ctx is cancelled.
func (l *LockedEntry) Kick(ctx context.Context, clearSubscriptions bool) (*session.Session, *session.Connection, bool) {
	ctx = context.WithoutCancel(ctx)
	st := l.e.state.Load()
	if st == nil {
		l.detach()
		return nil, nil, false
	}

	if st.conn != nil {
		if dropped := st.session.Enqueue(st.conn.Close()...); dropped > 0 {
			l.e.shared.log.Warn("Pending queue overflow on kick",
				zap.String("client_id", l.e.id), zap.Int("dropped", dropped))
		}
	}
	if clearSubscriptions {
		l.clearRoutes(ctx, st.session)
	}

	l.e.swap(nil)
	l.detach()
	metrics.KicksTotal.WithLabelValues(strconv.FormatBool(clearSubscriptions)).Inc()
	l.e.shared.log.Debug("Kicked client",
		zap.String("client_id", l.e.id), zap.Bool("clear_subscriptions", clearSubscriptions))
	return st.session, st.conn, true
}

func (l *LockedEntry) clearRoutes(ctx context.Context, sess *session.Session) {
	shared := l.e.shared
	for filter := range sess.Subscriptions() {
		if err := shared.router.Remove(ctx, filter, shared.NodeID(), l.e.id); err != nil {
			shared.log.Warn("Failed to remove route",
				zap.String("client_id", l.e.id), zap.String("filter", filter), zap.Error(err))
		}
		sess.RemoveSubscription(filter)
	}
}

// Subscribe registers every filter of req with the router and records it in
// the session. Each filter gets its own result; the granted QoS is capped at
// the node's maximum.
func (l *LockedEntry) Subscribe(ctx context.Context, req types.Subscribe) (types.SubscribeAck, error) {
	ack := types.SubscribeAck{PacketID: req.PacketID}
	sess := l.Session()
	if sess == nil {
		return ack, types.ErrNotConnected
	}

	shared := l.e.shared
	ack.Results = make([]types.SubscribeResult, 0, len(req.Filters))
	for _, f := range req.Filters {
		res := types.SubscribeResult{Filter: f.Filter}
		switch {
		case topic.ValidateFilter(f.Filter) != nil:
			res.Reason = types.ReasonInvalidFilter
		case !f.QoS.Valid():
			res.Reason = types.ReasonQoSNotSupported
		default:
			res.QoS = types.MinQoS(f.QoS, shared.opts.MaxQoS)
			if err := shared.router.Add(ctx, f.Filter, shared.NodeID(), l.e.id, res.QoS); err != nil {
				res.Reason = types.ReasonOf(err)
				break
			}
			sess.AddSubscription(f.Filter, res.QoS)
		}
		ack.Results = append(ack.Results, res)
	}
	sess.Touch()
	return ack, nil
}

// Unsubscribe removes every filter of req from the session and the router.
// A filter the session does not hold is reported as
// ReasonNoSubscriptionExisted.
func (l *LockedEntry) Unsubscribe(ctx context.Context, req types.Unsubscribe) (types.UnsubscribeAck, error) {
	ack := types.UnsubscribeAck{PacketID: req.PacketID}
	sess := l.Session()
	if sess == nil {
		return ack, types.ErrNotConnected
	}

	shared := l.e.shared
	ack.Results = make([]types.UnsubscribeResult, 0, len(req.Filters))
	for _, filter := range req.Filters {
		res := types.UnsubscribeResult{Filter: filter}
		if !sess.RemoveSubscription(filter) {
			res.Reason = types.ReasonNoSubscriptionExisted
		} else if err := shared.router.Remove(ctx, filter, shared.NodeID(), l.e.id); err != nil {
			res.Reason = types.ReasonOf(err)
		}
		ack.Results = append(ack.Results, res)
	}
	sess.Touch()
	return ack, nil
}

// Unlock releases the entry. An entry left without state is dropped from the
// registry so placeholders do not accumulate.
func (l *LockedEntry) Unlock() {
	if l.released {
		return
	}
	l.released = true
	if l.e.state.Load() == nil {
		l.detach()
	}
	l.e.mu.Unlock()
}

func (l *LockedEntry) detach() {
	if l.e.detached.Swap(true) {
		return
	}
	l.e.shared.drop(l.e)
}
