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

package cluster

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/chaos"
	"github.com/turtacn/emqx-core/pkg/discovery"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/types"
)

type fakeLocal struct {
	mu       sync.Mutex
	forwards []ForwardRequest
	kicks    []types.ClientID
	present  bool
	failures fakeFailures
}

// fakeFailures stands in for the broker's per-subscriber delivery failures.
type fakeFailures map[types.Reason]int

func (f fakeFailures) Error() string { return "delivery failed" }
func (f fakeFailures) Reasons() map[types.Reason]int { return f }

func (f *fakeLocal) ForwardsLocal(_ context.Context, from types.From, p types.Publish, filters []types.TopicFilter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwards = append(f.forwards, ForwardRequest{From: from, Publish: p, Filters: filters})
	if len(f.failures) > 0 {
		return f.failures
	}
	return nil
}

func (f *fakeLocal) Kick(_ context.Context, client types.ClientID, clear bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clear {
		f.kicks = append(f.kicks, client)
	}
	return f.present, nil
}

func (f *fakeLocal) setPresent(present bool) {
	f.mu.Lock()
	f.present = present
	f.mu.Unlock()
}

func (f *fakeLocal) kicked() []types.ClientID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ClientID(nil), f.kicks...)
}

func (f *fakeLocal) received() []ForwardRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ForwardRequest(nil), f.forwards...)
}

type fakeDiscovery struct {
	mu    sync.Mutex
	peers []discovery.Peer
}

func (d *fakeDiscovery) set(peers ...discovery.Peer) {
	d.mu.Lock()
	d.peers = peers
	d.mu.Unlock()
}

func (d *fakeDiscovery) DiscoverPeers(context.Context) ([]discovery.Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]discovery.Peer(nil), d.peers...), nil
}

type testNode struct {
	id    types.NodeID
	trie  *router.Trie
	m     *Manager
	local *fakeLocal
}

func (n *testNode) peer() discovery.Peer {
	return discovery.Peer{ID: n.id, Address: n.m.opts.Advertise}
}

func startNode(t *testing.T, id types.NodeID, disc discovery.Discovery, mutate func(*Options)) *testNode {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts := Options{NodeID: id, Advertise: lis.Addr().String(), RequestTimeout: time.Second, RefreshInterval: time.Hour}
	if mutate != nil {
		mutate(&opts)
	}
	trie := router.New(id)
	m := NewManager(opts, trie, disc)
	local := &fakeLocal{}
	m.SetLocal(local)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = NewServer(m).Serve(ctx, lis) }()
	go func() { defer wg.Done(); _ = m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		m.client.Close()
	})
	return &testNode{id: id, trie: trie, m: m, local: local}
}

func filtersOf(routes []types.Route) []types.TopicFilter {
	out := make([]types.TopicFilter, 0, len(routes))
	for _, r := range routes {
		out = append(out, r.Filter)
	}
	return out
}

func TestJoinExchangesRoutes(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-a", nil, nil)
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, a.trie.Add(ctx, "a/+", "node-a", "c1", 1))
	require.NoError(t, b.trie.Add(ctx, "b/#", "node-b", "c2", 2))

	require.NoError(t, a.m.AddPeer(ctx, b.peer()))

	assert.Equal(t, []types.TopicFilter{"b/#"}, filtersOf(a.trie.Routes("node-b")))
	assert.Equal(t, []types.TopicFilter{"a/+"}, filtersOf(b.trie.Routes("node-a")))
	assert.Equal(t, []discovery.Peer{b.peer()}, a.m.Peers())
	assert.Equal(t, []discovery.Peer{a.peer()}, b.m.Peers(), "the joined node learns the joiner's address")

	_, remote := a.trie.Matches(ctx, "b/x/y")
	assert.Equal(t, map[types.NodeID][]types.TopicFilter{"node-b": {"b/#"}}, remote)

	// A resync replaces stale routes.
	require.NoError(t, a.trie.Add(ctx, "stale", "node-b", "gone", 0))
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))
	assert.Equal(t, []types.TopicFilter{"b/#"}, filtersOf(a.trie.Routes("node-b")))
}

func TestAddPeerUnreachable(t *testing.T) {
	a := startNode(t, "node-a", nil, func(o *Options) { o.RequestTimeout = 200 * time.Millisecond })
	err := a.m.AddPeer(context.Background(), discovery.Peer{ID: "node-x", Address: "127.0.0.1:1"})
	assert.ErrorIs(t, err, types.ErrRemoteUnavailable)
	assert.Empty(t, a.m.Peers())
}

func TestLocalRouteChangesAreAnnounced(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-a", nil, nil)
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))

	r := a.m.Router()
	require.NoError(t, r.Add(ctx, "x/y", "node-a", "c1", 1))
	require.NoError(t, r.Add(ctx, "x/#", "node-a", "c1", 0))
	assert.Eventually(t, func() bool {
		return len(b.trie.Routes("node-a")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Remove(ctx, "x/y", "node-a", "c1"))
	assert.Eventually(t, func() bool {
		routes := b.trie.Routes("node-a")
		return len(routes) == 1 && routes[0].Filter == "x/#"
	}, 2*time.Second, 10*time.Millisecond)

	// Routes owned by other nodes are not announced back.
	require.NoError(t, r.Add(ctx, "y", "node-b", "c9", 0))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []types.TopicFilter{"x/#"}, filtersOf(b.trie.Routes("node-a")))
}

func TestCollectBatchesKeepsOrder(t *testing.T) {
	m := NewManager(Options{NodeID: "n"}, router.New("n"), nil)
	defer m.client.Close()

	m.announce(RouteAdd, types.Route{Filter: "a"})
	m.announce(RouteAdd, types.Route{Filter: "b"})
	m.announce(RouteRemove, types.Route{Filter: "a"})
	m.announce(RouteAdd, types.Route{Filter: "c"})

	batches := m.collectBatches(<-m.updates)
	require.Len(t, batches, 3)
	assert.Equal(t, RouteAdd, batches[0].Op)
	assert.Equal(t, []types.TopicFilter{"a", "b"}, filtersOf(batches[0].Routes))
	assert.Equal(t, RouteRemove, batches[1].Op)
	assert.Equal(t, []types.TopicFilter{"c"}, filtersOf(batches[2].Routes))
}

func TestForwardRemote(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-a", nil, nil)
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))

	p := types.NewPublish("b/1", []byte("hi"), types.AtLeastOnce, false)
	from := types.FromClientID("node-a", "pub")
	errs := a.m.ForwardRemote(ctx, from, p, map[types.NodeID][]types.TopicFilter{
		"node-b": {"b/#", "b/+"},
		"node-z": {"b/1"},
	})

	assert.NoError(t, errs["node-b"])
	assert.ErrorIs(t, errs["node-z"], ErrUnknownPeer)
	assert.ErrorIs(t, errs["node-z"], types.ErrRemoteUnavailable)

	got := b.local.received()
	require.Len(t, got, 1)
	assert.Equal(t, []types.TopicFilter{"b/#", "b/+"}, got[0].Filters)
	assert.Equal(t, p.ID, got[0].Publish.ID)
	assert.Equal(t, []byte("hi"), got[0].Publish.Payload)
	assert.Equal(t, types.FromCluster, got[0].From.Kind)
	assert.Equal(t, types.Id{Node: "node-a", Client: "pub"}, got[0].From.Id)
}

func TestForwardRemoteCountsPartialDelivery(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-pa", nil, nil)
	b := startNode(t, "node-pb", nil, nil)
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))
	b.local.mu.Lock()
	b.local.failures = fakeFailures{types.ReasonNotConnected: 2}
	b.local.mu.Unlock()

	partial := metrics.RemoteForwardsTotal.WithLabelValues("node-pb", "partial")
	ok := metrics.RemoteForwardsTotal.WithLabelValues("node-pb", "ok")
	before, okBefore := testutil.ToFloat64(partial), testutil.ToFloat64(ok)

	errs := a.m.ForwardRemote(ctx, types.FromClientID("node-pa", "pub"),
		types.NewPublish("b/1", []byte("hi"), types.AtLeastOnce, false),
		map[types.NodeID][]types.TopicFilter{"node-pb": {"b/#"}})

	assert.NoError(t, errs["node-pb"])
	assert.Equal(t, before+1, testutil.ToFloat64(partial))
	assert.Equal(t, okBefore, testutil.ToFloat64(ok))
}

func TestKickRemote(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-a", nil, nil)
	b := startNode(t, "node-b", nil, nil)
	c := startNode(t, "node-c", nil, nil)
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))
	require.NoError(t, a.m.AddPeer(ctx, c.peer()))
	b.local.setPresent(true)

	require.NoError(t, a.m.KickRemote(ctx, "client-1"))
	assert.Equal(t, []types.ClientID{"client-1"}, b.local.kicked())
	assert.Equal(t, []types.ClientID{"client-1"}, c.local.kicked())
	assert.Empty(t, a.local.kicked())
}

func TestPartitionedPeer(t *testing.T) {
	ctx := context.Background()
	injector := chaos.NewInjector()
	a := startNode(t, "node-a", nil, func(o *Options) { o.Chaos = injector })
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))

	injector.Enable()
	injector.InjectNetworkPartition("node-b")

	p := types.NewPublish("t", nil, types.AtMostOnce, false)
	errs := a.m.ForwardRemote(ctx, types.FromClientID("node-a", "c"), p, map[types.NodeID][]types.TopicFilter{"node-b": {"t"}})
	assert.ErrorIs(t, errs["node-b"], chaos.ErrPartitioned)
	assert.Equal(t, types.ReasonRemoteUnavailable, types.ReasonOf(errs["node-b"]))
	assert.ErrorIs(t, a.m.KickRemote(ctx, "c"), types.ErrRemoteUnavailable)
	assert.Empty(t, b.local.received())

	injector.RemoveNetworkPartition("node-b")
	errs = a.m.ForwardRemote(ctx, types.FromClientID("node-a", "c"), p, map[types.NodeID][]types.TopicFilter{"node-b": {"t"}})
	assert.NoError(t, errs["node-b"])
}

func TestCloseLeavesPeers(t *testing.T) {
	ctx := context.Background()
	a := startNode(t, "node-a", nil, nil)
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, a.trie.Add(ctx, "a/#", "node-a", "c1", 0))
	require.NoError(t, a.m.AddPeer(ctx, b.peer()))
	require.Len(t, b.trie.Routes("node-a"), 1)

	require.NoError(t, a.m.Close(ctx))
	assert.Empty(t, b.m.Peers())
	assert.Empty(t, b.trie.Routes("node-a"))
}

func TestRefreshFollowsDiscovery(t *testing.T) {
	ctx := context.Background()
	b := startNode(t, "node-b", nil, nil)
	require.NoError(t, b.trie.Add(ctx, "b/#", "node-b", "c2", 0))

	disc := &fakeDiscovery{}
	a := startNode(t, "node-a", disc, nil)

	disc.set(discovery.Peer{ID: "node-a", Address: "ignored"}, b.peer())
	require.NoError(t, a.m.Refresh(ctx))
	assert.Equal(t, []discovery.Peer{b.peer()}, a.m.Peers())
	assert.Len(t, a.trie.Routes("node-b"), 1)

	disc.set()
	require.NoError(t, a.m.Refresh(ctx))
	assert.Empty(t, a.m.Peers())
	assert.Empty(t, a.trie.Routes("node-b"))
}

func TestJoinRejectsOwnID(t *testing.T) {
	m := NewManager(Options{NodeID: "n"}, router.New("n"), nil)
	defer m.client.Close()
	svc := &service{m: m}

	_, err := svc.Join(context.Background(), &JoinRequest{Node: "n"})
	assert.Error(t, err)
	_, err = svc.Join(context.Background(), &JoinRequest{})
	assert.Error(t, err)
}
