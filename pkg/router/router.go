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

// Package router resolves published topics against registered topic filters.
//
// Filters are stored in a trie keyed by topic level. The single-level (+) and
// multi-level (#) wildcards are ordinary children of a node and are followed
// during matching alongside the exact level, so a lookup costs time
// proportional to the topic depth rather than to the number of subscribers.
//
// Every trie node carries its own lock. Writers take locks hand over hand from
// the root downward and readers hold a node's read lock only long enough to
// copy what they need, so unrelated subtrees never contend.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

// Router maintains filter registrations and resolves topics against them.
type Router interface {
	// Add registers client on node under filter, or refreshes its QoS.
	Add(ctx context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID, qos types.QoS) error
	// Remove deletes one registration. Removing an unknown registration is a no-op.
	Remove(ctx context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID) error
	// Matches returns the local matches of topic and, for every other node
	// holding a match, the filters that matched there.
	Matches(ctx context.Context, t types.Topic) ([]types.Match, map[types.NodeID][]types.TopicFilter)
	// NodeID is the identity used for locally owned registrations.
	NodeID() types.NodeID
	// List returns up to top filters ranked by subscriber count.
	List(top int) []string
}

type subscriber struct {
	node   types.NodeID
	client types.ClientID
}

type trieNode struct {
	mu       sync.RWMutex
	level    string
	filter   types.TopicFilter
	children map[string]*trieNode
	subs     map[subscriber]types.QoS
	removed  bool
}

func newTrieNode(level string, filter types.TopicFilter) *trieNode {
	return &trieNode{
		level:    level,
		filter:   filter,
		children: make(map[string]*trieNode),
		subs:     make(map[subscriber]types.QoS),
	}
}

func (n *trieNode) empty() bool {
	return len(n.children) == 0 && len(n.subs) == 0
}

// Trie is the in-memory Router.
type Trie struct {
	node  types.NodeID
	root  *trieNode
	count atomic.Int64
	log   *zap.Logger
}

var _ Router = (*Trie)(nil)

// New creates an empty trie for the given local node.
func New(node types.NodeID) *Trie {
	return &Trie{
		node: node,
		root: newTrieNode("", ""),
		log:  logger.Named("router"),
	}
}

// NodeID returns the local node identity.
func (t *Trie) NodeID() types.NodeID {
	return t.node
}

// Len returns the number of registrations held.
func (t *Trie) Len() int {
	return int(t.count.Load())
}

// Add registers (filter, node, client) at qos. Re-adding refreshes the QoS.
func (t *Trie) Add(_ context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID, qos types.QoS) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: %d", types.ErrQoSNotSupported, qos)
	}

	leaf := t.lockPath(topic.Levels(filter))
	sub := subscriber{node: node, client: client}
	_, existed := leaf.subs[sub]
	leaf.subs[sub] = qos
	leaf.mu.Unlock()

	if !existed {
		t.count.Add(1)
		metrics.Routes.Inc()
		t.log.Debug("Route added", zap.String("filter", filter), zap.String("node", node), zap.String("client", client))
	}
	return nil
}

// lockPath walks to the node for levels, creating missing nodes, and returns
// it write-locked. The parent stays locked while its child is locked, which
// is the same order prune uses, so a node is never detached under a writer.
func (t *Trie) lockPath(levels []string) *trieNode {
	cur := t.root
	cur.mu.Lock()
	for i, l := range levels {
		child, ok := cur.children[l]
		if !ok {
			child = newTrieNode(l, strings.Join(levels[:i+1], topic.Separator))
			cur.children[l] = child
		}
		child.mu.Lock()
		cur.mu.Unlock()
		cur = child
	}
	return cur
}

// Remove deletes the registration and prunes nodes left without children or
// subscribers.
func (t *Trie) Remove(_ context.Context, filter types.TopicFilter, node types.NodeID, client types.ClientID) error {
	levels := topic.Levels(filter)
	sub := subscriber{node: node, client: client}

	for {
		path := t.findPath(levels)
		if path == nil {
			return nil
		}
		leaf := path[len(path)-1]

		leaf.mu.Lock()
		if leaf.removed {
			// Pruned while we walked; a concurrent Add may have rebuilt the path.
			leaf.mu.Unlock()
			continue
		}
		_, ok := leaf.subs[sub]
		delete(leaf.subs, sub)
		leaf.mu.Unlock()

		if ok {
			t.count.Add(-1)
			metrics.Routes.Dec()
			t.log.Debug("Route removed", zap.String("filter", filter), zap.String("node", node), zap.String("client", client))
		}
		t.prune(path)
		return nil
	}
}

// findPath returns root..leaf for levels, or nil if the path does not exist.
func (t *Trie) findPath(levels []string) []*trieNode {
	path := make([]*trieNode, 0, len(levels)+1)
	cur := t.root
	path = append(path, cur)
	for _, l := range levels {
		cur.mu.RLock()
		child := cur.children[l]
		cur.mu.RUnlock()
		if child == nil {
			return nil
		}
		path = append(path, child)
		cur = child
	}
	return path
}

// prune detaches empty nodes from the bottom of path upward.
func (t *Trie) prune(path []*trieNode) {
	for i := len(path) - 1; i > 0; i-- {
		parent, child := path[i-1], path[i]
		parent.mu.Lock()
		child.mu.Lock()
		if child.removed || !child.empty() || parent.children[child.level] != child {
			child.mu.Unlock()
			parent.mu.Unlock()
			return
		}
		delete(parent.children, child.level)
		child.removed = true
		child.mu.Unlock()
		parent.mu.Unlock()
	}
}

type matchCollector struct {
	self   types.NodeID
	local  []types.Match
	remote map[types.NodeID]map[types.TopicFilter]struct{}
}

func (c *matchCollector) collect(n *trieNode) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for sub, qos := range n.subs {
		if sub.node == c.self {
			c.local = append(c.local, types.Match{Filter: n.filter, Client: sub.client, QoS: qos})
			continue
		}
		if c.remote == nil {
			c.remote = make(map[types.NodeID]map[types.TopicFilter]struct{})
		}
		set, ok := c.remote[sub.node]
		if !ok {
			set = make(map[types.TopicFilter]struct{})
			c.remote[sub.node] = set
		}
		set[n.filter] = struct{}{}
	}
}

// Matches resolves t against every registration. Each local (filter, client)
// pair is reported once per matching filter; remote nodes get the distinct
// filters that matched on them, sorted. Invalid topics match nothing.
func (t *Trie) Matches(_ context.Context, name types.Topic) ([]types.Match, map[types.NodeID][]types.TopicFilter) {
	if err := topic.ValidateTopic(name); err != nil {
		t.log.Debug("Refusing to match invalid topic", zap.String("topic", name), zap.Error(err))
		return nil, nil
	}

	start := time.Now()
	defer func() { metrics.RouterMatchDuration.Observe(time.Since(start).Seconds()) }()

	c := &matchCollector{self: t.node}
	t.match(c, t.root, topic.Levels(name), 0, topic.IsSystem(name))

	var remote map[types.NodeID][]types.TopicFilter
	if len(c.remote) > 0 {
		remote = make(map[types.NodeID][]types.TopicFilter, len(c.remote))
		for node, set := range c.remote {
			filters := make([]types.TopicFilter, 0, len(set))
			for f := range set {
				filters = append(filters, f)
			}
			sort.Strings(filters)
			remote[node] = filters
		}
	}
	return c.local, remote
}

func (t *Trie) match(c *matchCollector, n *trieNode, levels []string, i int, system bool) {
	n.mu.RLock()
	if i == len(levels) {
		hash := n.children[topic.MultiLevel]
		n.mu.RUnlock()
		c.collect(n)
		// "a/#" also matches "a".
		if hash != nil {
			c.collect(hash)
		}
		return
	}
	exact := n.children[levels[i]]
	var plus, hash *trieNode
	// Wildcards at the first level never match topics starting with '$'.
	if !(i == 0 && system) {
		plus = n.children[topic.SingleLevel]
		hash = n.children[topic.MultiLevel]
	}
	n.mu.RUnlock()

	if hash != nil {
		c.collect(hash)
	}
	if plus != nil {
		t.match(c, plus, levels, i+1, system)
	}
	if exact != nil {
		t.match(c, exact, levels, i+1, system)
	}
}

// walk visits every node holding at least one subscriber. fn runs with the
// node read-locked and must not call back into the trie.
func (t *Trie) walk(fn func(n *trieNode)) {
	stack := []*trieNode{t.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n.mu.RLock()
		if len(n.subs) > 0 {
			fn(n)
		}
		for _, child := range n.children {
			stack = append(stack, child)
		}
		n.mu.RUnlock()
	}
}

// List returns up to top filters ranked by subscriber count, most subscribed
// first. A non-positive top returns every filter.
func (t *Trie) List(top int) []string {
	type stat struct {
		filter string
		subs   int
	}
	var stats []stat
	t.walk(func(n *trieNode) {
		stats = append(stats, stat{filter: n.filter, subs: len(n.subs)})
	})
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].subs != stats[j].subs {
			return stats[i].subs > stats[j].subs
		}
		return stats[i].filter < stats[j].filter
	})
	if top > 0 && len(stats) > top {
		stats = stats[:top]
	}
	out := make([]string, len(stats))
	for i, s := range stats {
		out[i] = s.filter
	}
	return out
}

// Routes returns a snapshot of the registrations owned by node.
func (t *Trie) Routes(node types.NodeID) []types.Route {
	var routes []types.Route
	t.walk(func(n *trieNode) {
		for sub, qos := range n.subs {
			if sub.node == node {
				routes = append(routes, types.Route{Filter: n.filter, Node: node, Client: sub.client, QoS: qos})
			}
		}
	})
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Filter != routes[j].Filter {
			return routes[i].Filter < routes[j].Filter
		}
		return routes[i].Client < routes[j].Client
	})
	return routes
}

// RemoveNode drops every registration owned by node and returns how many
// were removed. It is used when a peer leaves the cluster.
func (t *Trie) RemoveNode(ctx context.Context, node types.NodeID) int {
	routes := t.Routes(node)
	for _, r := range routes {
		_ = t.Remove(ctx, r.Filter, r.Node, r.Client)
	}
	if len(routes) > 0 {
		t.log.Info("Removed routes of node", zap.String("node", node), zap.Int("routes", len(routes)))
	}
	return len(routes)
}
