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
	"sync/atomic"
	"time"

	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/limiter"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/retainer"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/session"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Cluster is what the broker needs from the cluster transport.
type Cluster interface {
	RemoteForwarder
	// KickRemote asks every peer to evict client, so that a client id is
	// connected to at most one node.
	KickRemote(ctx context.Context, client types.ClientID) error
}

// ConnectRequest is a decoded CONNECT.
type ConnectRequest struct {
	ClientID   types.ClientID
	Listener   string
	CleanStart bool
	KeepAlive  time.Duration
	Will       *types.Publish
	Info       session.ConnInfo
}

// ConnectResult is the state attached to the registry by Connect.
type ConnectResult struct {
	Session        *session.Session
	Connection     *session.Connection
	SessionPresent bool
}

// Broker is the entry point of protocol front-ends. It admits connections
// and publishes through the listener limiters, keeps the registry and the
// router in step, and stores retained messages.
type Broker struct {
	cfg      *config.Config
	shared   *Shared
	retained retainer.Storage
	limiters *limiter.Manager
	cluster  atomic.Pointer[Cluster]
	log      *zap.Logger
}

// New creates a broker for the node described by cfg.
func New(cfg *config.Config, r router.Router, retained retainer.Storage, limiters *limiter.Manager) *Broker {
	return &Broker{
		cfg: cfg,
		shared: NewShared(r, Options{
			MaxQoS:          types.QoS(cfg.Node.MaxQoS),
			DeliveryTimeout: cfg.Node.DeliveryTimeout,
		}),
		retained: retained,
		limiters: limiters,
		log:      logger.Named("broker"),
	}
}

// SetCluster attaches the cluster transport.
func (b *Broker) SetCluster(c Cluster) {
	if c == nil {
		b.cluster.Store(nil)
		b.shared.SetRemoteForwarder(nil)
		return
	}
	b.cluster.Store(&c)
	b.shared.SetRemoteForwarder(c)
}

// Shared returns the session registry.
func (b *Broker) Shared() *Shared {
	return b.shared
}

// NodeID returns the identity of this node.
func (b *Broker) NodeID() types.NodeID {
	return b.shared.NodeID()
}

func (b *Broker) listener(name string) config.ListenerConfig {
	if l, ok := b.cfg.Listener(name); ok {
		return l
	}
	return config.ListenerConfig{Name: name}
}

// Connect admits a client. It waits on the listener's connection limiter,
// evicts the client from other nodes, then takes over the local entry: a
// live connection is closed and, unless a clean start is requested, its
// session is resumed with the undelivered messages redelivered on the new
// connection.
func (b *Broker) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	if req.ClientID == "" {
		return nil, errors.New("empty client id")
	}
	lcfg := b.listener(req.Listener)
	lim, err := b.limiters.Get(lcfg.Name, lcfg)
	if err != nil {
		return nil, err
	}
	if err := lim.AcquireOne(ctx); err != nil {
		return nil, err
	}

	if c := b.cluster.Load(); c != nil {
		if err := (*c).KickRemote(ctx, req.ClientID); err != nil {
			b.log.Warn("Cluster kick failed", zap.String("client_id", req.ClientID), zap.Error(err))
		}
	}

	locked, err := b.shared.LockEntry(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	defer func() { locked.Unlock() }()

	sess := locked.Session()
	present := false
	switch {
	case sess != nil && req.CleanStart:
		locked.Kick(ctx, true)
		locked.Unlock()
		relocked, err := b.shared.LockEntry(ctx, req.ClientID)
		if err != nil {
			return nil, err
		}
		locked = relocked
		sess = nil
	case sess != nil:
		if old := locked.Connection(); old != nil {
			sess.Enqueue(old.Close()...)
			metrics.KicksTotal.WithLabelValues("false").Inc()
			b.log.Info("Session taken over", zap.String("client_id", req.ClientID))
		}
		sess.SetWill(req.Will)
		sess.KeepAlive = req.KeepAlive
		present = true
	}
	if sess == nil {
		sess = session.New(req.ClientID, session.Options{
			CleanStart:   req.CleanStart,
			KeepAlive:    req.KeepAlive,
			Will:         req.Will,
			PendingLimit: b.cfg.Node.PendingQueueSize,
		})
	}

	conn := session.NewConnection(context.WithoutCancel(ctx), req.Info, b.cfg.Node.MailboxSize)
	if err := locked.Set(sess, conn); err != nil {
		conn.Close()
		return nil, err
	}
	b.redeliver(sess, conn)

	metrics.ConnectionsTotal.Inc()
	b.log.Debug("Client connected",
		zap.String("client_id", req.ClientID),
		zap.String("listener", lcfg.Name),
		zap.Bool("session_present", present))
	return &ConnectResult{Session: sess, Connection: conn, SessionPresent: present}, nil
}

// redeliver moves queued messages onto the new connection until its mailbox
// fills up; the rest stay queued.
func (b *Broker) redeliver(sess *session.Session, conn *session.Connection) {
	pending := sess.DrainPending()
	for i, p := range pending {
		if err := conn.Tx().TrySend(p); err != nil {
			sess.Enqueue(pending[i:]...)
			return
		}
	}
}

// Subscribe registers the filters of req for client and then sends the
// retained messages matching each granted filter.
func (b *Broker) Subscribe(ctx context.Context, client types.ClientID, req types.Subscribe) (types.SubscribeAck, error) {
	locked, err := b.shared.LockEntry(ctx, client)
	if err != nil {
		return types.SubscribeAck{PacketID: req.PacketID}, err
	}
	ack, err := locked.Subscribe(ctx, req)
	entry := locked.Entry()
	locked.Unlock()
	if err != nil {
		return ack, err
	}

	if b.retained == nil {
		return ack, nil
	}
	from := types.From{Id: types.Id{Node: b.NodeID()}, Kind: types.FromSystem}
	for _, res := range ack.Results {
		if !res.Granted() {
			continue
		}
		msgs, err := b.retained.Get(ctx, res.Filter)
		if err != nil {
			b.log.Warn("Failed to load retained messages", zap.String("filter", res.Filter), zap.Error(err))
			continue
		}
		for _, tr := range msgs {
			p := tr.Retain.ToPublish(tr.Topic)
			p = p.WithQoS(types.MinQoS(p.QoS, res.QoS))
			if ferr := entry.Forward(ctx, from, p); ferr != nil {
				b.log.Debug("Retained delivery failed", zap.String("client_id", client), zap.Error(ferr))
			}
		}
	}
	return ack, nil
}

// Unsubscribe removes the filters of req for client.
func (b *Broker) Unsubscribe(ctx context.Context, client types.ClientID, req types.Unsubscribe) (types.UnsubscribeAck, error) {
	locked, err := b.shared.LockEntry(ctx, client)
	if err != nil {
		return types.UnsubscribeAck{PacketID: req.PacketID}, err
	}
	defer locked.Unlock()
	return locked.Unsubscribe(ctx, req)
}

// Publish accepts a message from client on the named listener. A retained
// message is stored before it is forwarded; a storage failure does not stop
// the forward and both outcomes are reported.
func (b *Broker) Publish(ctx context.Context, client types.ClientID, listener string, p types.Publish) error {
	if err := topic.ValidateTopic(p.Topic); err != nil {
		return err
	}
	if !p.QoS.Valid() || p.QoS > types.QoS(b.cfg.Node.MaxQoS) {
		return fmt.Errorf("%w: %d", types.ErrQoSNotSupported, p.QoS)
	}
	lcfg := b.listener(listener)
	lim, err := b.limiters.GetMessages(lcfg.Name, lcfg)
	if err != nil {
		return err
	}
	if err := lim.AcquireOne(ctx); err != nil {
		return err
	}
	if e, ok := b.shared.Lookup(client); ok {
		if sess := e.Session(); sess != nil {
			sess.Touch()
		}
	}
	return b.publish(ctx, types.FromClientID(b.NodeID(), client), p)
}

func (b *Broker) publish(ctx context.Context, from types.From, p types.Publish) error {
	var storeErr error
	if p.Retain && b.retained != nil {
		storeErr = b.retained.Set(ctx, p.Topic, types.RetainFromPublish(from.Id, p))
	}
	p.Retain = false
	return multierr.Append(storeErr, b.queueOffline(ctx, b.shared.Forwards(ctx, from, p)))
}

// queueOffline keeps QoS 1 and 2 messages for local persistent sessions
// that have no live connection; Connect redelivers them on resume. The
// failures that could not be queued are returned.
func (b *Broker) queueOffline(ctx context.Context, err error) error {
	var ferrs *ForwardsError
	if !errors.As(err, &ferrs) {
		return err
	}
	rest := &ForwardsError{}
	for _, f := range ferrs.Failures {
		if !b.queue(ctx, f) {
			rest.add(f)
		}
	}
	return rest.orNil()
}

func (b *Broker) queue(ctx context.Context, f *ForwardError) bool {
	if f.Reason != types.ReasonNotConnected || f.Publish.QoS == types.AtMostOnce || f.To.Node != b.NodeID() {
		return false
	}
	if e, ok := b.shared.Lookup(f.To.Client); !ok || e.Session() == nil {
		return false
	}
	locked, err := b.shared.LockEntry(ctx, f.To.Client)
	if err != nil {
		return false
	}
	defer locked.Unlock()

	sess := locked.Session()
	if sess == nil {
		return false
	}
	if locked.Connection() != nil {
		// Reconnected meanwhile.
		return locked.Entry().Forward(ctx, f.From, f.Publish) == nil
	}
	if dropped := sess.Enqueue(f.Publish); dropped > 0 {
		b.log.Warn("Pending queue overflow",
			zap.String("client_id", f.To.Client), zap.Int("dropped", dropped))
	}
	return true
}

// Disconnect ends conn for client. The will message is published unless the
// client disconnected gracefully. A clean-start session is dropped with its
// subscriptions; otherwise it stays registered without a connection. A conn
// that has already been replaced is ignored.
func (b *Broker) Disconnect(ctx context.Context, client types.ClientID, conn *session.Connection, graceful bool) error {
	locked, err := b.shared.LockEntry(ctx, client)
	if err != nil {
		return err
	}
	if conn == nil || locked.Connection() != conn {
		locked.Unlock()
		return nil
	}

	sess := locked.Session()
	var will *types.Publish
	if !graceful {
		will = sess.Will()
	}
	sess.ClearWill()

	if sess.CleanStart {
		locked.Kick(ctx, true)
	} else {
		sess.Enqueue(conn.Close()...)
		err = locked.Set(sess, nil)
	}
	locked.Unlock()
	b.log.Debug("Client disconnected", zap.String("client_id", client), zap.Bool("graceful", graceful))

	if will != nil {
		from := types.From{Id: types.Id{Node: b.NodeID(), Client: client}, Kind: types.FromSystem}
		err = multierr.Append(err, b.publish(ctx, from, *will))
	}
	return err
}

// Kick evicts client from this node, dropping its subscriptions when
// clearSubscriptions is set. It reports whether the client was present.
func (b *Broker) Kick(ctx context.Context, client types.ClientID, clearSubscriptions bool) (bool, error) {
	if _, ok := b.shared.Lookup(client); !ok {
		return false, nil
	}
	locked, err := b.shared.LockEntry(ctx, client)
	if err != nil {
		return false, err
	}
	defer locked.Unlock()
	_, _, ok := locked.Kick(ctx, clearSubscriptions)
	return ok, nil
}

// ForwardsLocal delivers a publish received from a peer node to the local
// subscribers of filters.
func (b *Broker) ForwardsLocal(ctx context.Context, from types.From, p types.Publish, filters []types.TopicFilter) error {
	return b.queueOffline(ctx, b.shared.ForwardsLocal(ctx, from, p, filters))
}

// Stats is a snapshot of the registry.
type Stats struct {
	NodeID      types.NodeID `json:"node_id"`
	Connections int          `json:"connections"`
	Sessions    int          `json:"sessions"`
	// Pending counts messages queued for sessions without a connection.
	Pending int `json:"pending"`
	// PendingDropped counts messages lost to full pending queues.
	PendingDropped uint64 `json:"pending_dropped"`
}

// Stats returns registry counters. The pending figures walk every entry.
func (b *Broker) Stats() Stats {
	st := Stats{
		NodeID:      b.NodeID(),
		Connections: b.shared.Connections(),
		Sessions:    b.shared.Sessions(),
	}
	for e := range b.shared.Iter() {
		if sess := e.Session(); sess != nil {
			st.Pending += sess.PendingLen()
			st.PendingDropped += sess.Dropped()
		}
	}
	return st
}
