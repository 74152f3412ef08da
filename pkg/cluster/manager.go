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

// Package cluster connects the nodes of a deployment. Each node serves a
// small gRPC service through which peers exchange route tables, forward
// publishes to the node owning the matching subscribers and evict a client
// that reconnected elsewhere.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/emqx-core/pkg/chaos"
	"github.com/turtacn/emqx-core/pkg/discovery"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRefreshInterval = 10 * time.Second
	updateQueueSize        = 4096
	maxUpdateBatch         = 256
	maxForwardFanout       = 32
)

// ErrUnknownPeer is returned for a node the manager holds no address for.
var ErrUnknownPeer = fmt.Errorf("%w: unknown peer", types.ErrRemoteUnavailable)

// LocalNode is the part of the broker the cluster calls into.
type LocalNode interface {
	ForwardsLocal(ctx context.Context, from types.From, p types.Publish, filters []types.TopicFilter) error
	Kick(ctx context.Context, client types.ClientID, clearSubscriptions bool) (bool, error)
}

// RouteTable is a router that can list and drop the routes of one node.
type RouteTable interface {
	router.Router
	Routes(node types.NodeID) []types.Route
	RemoveNode(ctx context.Context, node types.NodeID) int
}

// Options configures a Manager.
type Options struct {
	NodeID types.NodeID
	// Advertise is the address peers reach this node's cluster server on.
	Advertise       string
	RequestTimeout  time.Duration
	RefreshInterval time.Duration
	// Chaos injects faults into outgoing calls. Optional.
	Chaos *chaos.Injector
}

// Manager tracks the peers of this node and keeps the route table in step
// with theirs. It implements the remote side of broker delivery.
type Manager struct {
	opts      Options
	routes    RouteTable
	discovery discovery.Discovery
	client    *Client
	local     atomic.Pointer[LocalNode]

	mu    sync.RWMutex
	peers map[types.NodeID]discovery.Peer
	// discovered holds the peers the last refresh found. Peers that joined
	// this node on their own are not removed by a refresh.
	discovered map[types.NodeID]struct{}

	refreshMu sync.Mutex
	updates   chan RouteUpdate
	log       *zap.Logger
}

// NewManager creates a manager for the node described by opts. routes is the
// node's route table; disc may be nil when peers are only added explicitly.
func NewManager(opts Options, routes RouteTable, disc discovery.Discovery) *Manager {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	return &Manager{
		opts:       opts,
		routes:     routes,
		discovery:  disc,
		client:     NewClient(opts.RequestTimeout, opts.Chaos),
		peers:      make(map[types.NodeID]discovery.Peer),
		discovered: make(map[types.NodeID]struct{}),
		updates:    make(chan RouteUpdate, updateQueueSize),
		log:        logger.Named("cluster"),
	}
}

// NodeID returns the identity of this node.
func (m *Manager) NodeID() types.NodeID {
	return m.opts.NodeID
}

// SetLocal attaches the broker that serves forwarded publishes and kicks.
func (m *Manager) SetLocal(l LocalNode) {
	m.local.Store(&l)
}

func (m *Manager) localNode() LocalNode {
	if l := m.local.Load(); l != nil {
		return *l
	}
	return nil
}

// Router returns the route table wrapped so that changes to local routes
// are announced to every peer.
func (m *Manager) Router() router.Router {
	return &announcingRouter{RouteTable: m.routes, m: m}
}

// Peers returns the known peers ordered by id.
func (m *Manager) Peers() []discovery.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discovery.Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) peer(id types.NodeID) (discovery.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

func (m *Manager) rememberPeer(p discovery.Peer) {
	m.mu.Lock()
	prev, existed := m.peers[p.ID]
	m.peers[p.ID] = p
	n := len(m.peers)
	m.mu.Unlock()
	metrics.ClusterPeers.Set(float64(n))
	if !existed {
		m.log.Info("Peer joined", zap.String("node", p.ID), zap.String("addr", p.Address))
	} else if prev.Address != p.Address {
		m.client.Forget(prev)
	}
}

// AddPeer joins p: this node's routes are sent and p's routes replace what
// was known of them. Calling it again for a known peer resynchronises.
func (m *Manager) AddPeer(ctx context.Context, p discovery.Peer) error {
	if p.ID == m.opts.NodeID {
		return nil
	}
	resp, err := m.client.Join(ctx, p, &JoinRequest{
		Node:    m.opts.NodeID,
		Address: m.opts.Advertise,
		Routes:  m.routes.Routes(m.opts.NodeID),
	})
	if err != nil {
		return err
	}
	if resp.Node != "" && resp.Node != p.ID {
		return fmt.Errorf("peer at %s answered as %q, expected %q", p.Address, resp.Node, p.ID)
	}
	m.rememberPeer(p)
	m.replaceRoutes(ctx, p.ID, resp.Routes)
	return nil
}

// RemovePeer forgets the peer and drops its routes. It returns the number
// of routes removed.
func (m *Manager) RemovePeer(ctx context.Context, id types.NodeID) int {
	m.mu.Lock()
	p, ok := m.peers[id]
	delete(m.peers, id)
	n := len(m.peers)
	m.mu.Unlock()
	metrics.ClusterPeers.Set(float64(n))
	if ok {
		m.client.Forget(p)
		m.log.Info("Peer left", zap.String("node", id))
	}
	return m.routes.RemoveNode(ctx, id)
}

// replaceRoutes makes routes the complete set known for node.
func (m *Manager) replaceRoutes(ctx context.Context, node types.NodeID, routes []types.Route) {
	type key struct {
		filter types.TopicFilter
		client types.ClientID
	}
	keep := make(map[key]struct{}, len(routes))
	for _, r := range routes {
		keep[key{r.Filter, r.Client}] = struct{}{}
		if err := m.routes.Add(ctx, r.Filter, node, r.Client, r.QoS); err != nil {
			m.log.Warn("Ignoring invalid remote route", zap.String("node", node), zap.String("filter", r.Filter), zap.Error(err))
		}
	}
	for _, r := range m.routes.Routes(node) {
		if _, ok := keep[key{r.Filter, r.Client}]; !ok {
			_ = m.routes.Remove(ctx, r.Filter, node, r.Client)
		}
	}
}

func (m *Manager) applyUpdate(ctx context.Context, u *RouteUpdate) int {
	applied := 0
	for _, r := range u.Routes {
		var err error
		switch u.Op {
		case RouteAdd:
			err = m.routes.Add(ctx, r.Filter, u.From, r.Client, r.QoS)
		case RouteRemove:
			err = m.routes.Remove(ctx, r.Filter, u.From, r.Client)
		default:
			err = fmt.Errorf("unknown route op %q", u.Op)
		}
		if err != nil {
			m.log.Warn("Ignoring route update", zap.String("node", u.From), zap.String("filter", r.Filter), zap.Error(err))
			continue
		}
		applied++
	}
	return applied
}

// Refresh reconciles the peer set with discovery: new peers are joined,
// known peers are resynchronised and peers no longer discovered are removed.
func (m *Manager) Refresh(ctx context.Context) error {
	if m.discovery == nil {
		return nil
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	found, err := m.discovery.DiscoverPeers(ctx)
	if err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}

	seen := make(map[types.NodeID]struct{}, len(found))
	var errs error
	for _, p := range found {
		if p.ID == m.opts.NodeID {
			continue
		}
		seen[p.ID] = struct{}{}
		errs = multierr.Append(errs, m.AddPeer(ctx, p))
	}

	m.mu.Lock()
	prev := m.discovered
	m.discovered = seen
	m.mu.Unlock()
	for id := range prev {
		if _, ok := seen[id]; !ok {
			m.RemovePeer(ctx, id)
		}
	}
	return errs
}

// Run refreshes the peer set periodically and announces local route changes
// until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.broadcastLoop(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(m.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			if err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("Cluster refresh incomplete", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func (m *Manager) announce(op RouteOp, r types.Route) {
	select {
	case m.updates <- RouteUpdate{From: m.opts.NodeID, Op: op, Routes: []types.Route{r}}:
	default:
		// Peers catch up on the next refresh.
		m.log.Warn("Route update queue full, dropping", zap.String("filter", r.Filter))
	}
}

func (m *Manager) broadcastLoop(ctx context.Context) {
	for {
		var first RouteUpdate
		select {
		case <-ctx.Done():
			return
		case first = <-m.updates:
		}
		for _, batch := range m.collectBatches(first) {
			m.broadcast(ctx, batch)
		}
	}
}

// collectBatches drains queued updates after first and merges consecutive
// updates of the same kind, keeping their order.
func (m *Manager) collectBatches(first RouteUpdate) []*RouteUpdate {
	batches := []*RouteUpdate{&first}
	for n := 1; n < maxUpdateBatch; n++ {
		select {
		case u := <-m.updates:
			last := batches[len(batches)-1]
			if last.Op == u.Op {
				last.Routes = append(last.Routes, u.Routes...)
			} else {
				batches = append(batches, &u)
			}
		default:
			return batches
		}
	}
	return batches
}

func (m *Manager) broadcast(ctx context.Context, u *RouteUpdate) {
	var wg sync.WaitGroup
	for _, p := range m.Peers() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.client.UpdateRoutes(ctx, p, u); err != nil {
				m.log.Warn("Failed to send route update", zap.String("node", p.ID), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// ForwardRemote ships p to every target node concurrently. The receiving
// node delivers to its subscribers of the listed filters at their own QoS.
// The result holds an error for every node that could not be reached.
func (m *Manager) ForwardRemote(ctx context.Context, from types.From, p types.Publish, targets map[types.NodeID][]types.TopicFilter) map[types.NodeID]error {
	var (
		mu   sync.Mutex
		errs = make(map[types.NodeID]error, len(targets))
		g    errgroup.Group
	)
	g.SetLimit(maxForwardFanout)
	for node, filters := range targets {
		g.Go(func() error {
			failed, err := m.forwardTo(ctx, node, from, p, filters)
			result := "ok"
			switch {
			case err != nil:
				result = "error"
			case failed > 0:
				result = "partial"
			}
			metrics.RemoteForwardsTotal.WithLabelValues(node, result).Inc()
			mu.Lock()
			errs[node] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// forwardTo returns how many subscribers of node could not be served. The
// node itself was reached when err is nil.
func (m *Manager) forwardTo(ctx context.Context, node types.NodeID, from types.From, p types.Publish, filters []types.TopicFilter) (int, error) {
	peer, ok := m.peer(node)
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrUnknownPeer, node)
	}
	resp, err := m.client.Forward(ctx, peer, &ForwardRequest{From: from, Publish: p, Filters: filters})
	if err != nil {
		return 0, err
	}
	if resp.Failed > 0 {
		m.log.Debug("Remote delivery partially failed",
			zap.String("node", node), zap.String("topic", p.Topic), zap.Int("failed", resp.Failed))
	}
	return resp.Failed, nil
}

// KickRemote asks every peer to evict client. Peers that cannot be reached
// are reported in the returned error.
func (m *Manager) KickRemote(ctx context.Context, client types.ClientID) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, p := range m.Peers() {
		g.Go(func() error {
			resp, err := m.client.Kick(ctx, p, &KickRequest{From: m.opts.NodeID, Client: client})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			if resp.Present {
				m.log.Info("Client evicted from peer", zap.String("client_id", client), zap.String("node", p.ID))
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Close announces departure to every peer and releases connections.
func (m *Manager) Close(ctx context.Context) error {
	var errs error
	for _, p := range m.Peers() {
		if _, err := m.client.Leave(ctx, p, &LeaveRequest{Node: m.opts.NodeID}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	m.client.Close()
	return errs
}

// announcingRouter forwards every call to the route table and queues
// changes to this node's routes for the peers.
type announcingRouter struct {
	RouteTable
	m *Manager
}

func (r *announcingRouter) Add(ctx context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID, qos types.QoS) error {
	if err := r.RouteTable.Add(ctx, filter, node, client, qos); err != nil {
		return err
	}
	if node == r.m.opts.NodeID {
		r.m.announce(RouteAdd, types.Route{Filter: filter, Node: node, Client: client, QoS: qos})
	}
	return nil
}

func (r *announcingRouter) Remove(ctx context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID) error {
	if err := r.RouteTable.Remove(ctx, filter, node, client); err != nil {
		return err
	}
	if node == r.m.opts.NodeID {
		r.m.announce(RouteRemove, types.Route{Filter: filter, Node: node, Client: client})
	}
	return nil
}
