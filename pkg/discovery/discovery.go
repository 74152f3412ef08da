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

// Package discovery finds the other nodes of the cluster. Peers are
// identified by node id and reached at the address of their cluster
// transport.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/types"
)

// Peer is another node of the cluster.
type Peer struct {
	ID      types.NodeID
	Address string
}

// Discovery is implemented by every peer source.
type Discovery interface {
	// DiscoverPeers returns the current peers, excluding this node.
	DiscoverPeers(ctx context.Context) ([]Peer, error)
}

// Static is a fixed peer list.
type Static struct {
	peers []Peer
}

// NewStatic builds a static discovery from configured peers, skipping self.
func NewStatic(self types.NodeID, peers []config.PeerConfig) *Static {
	s := &Static{}
	for _, p := range peers {
		if p.ID == self {
			continue
		}
		s.peers = append(s.peers, Peer{ID: p.ID, Address: p.Address})
	}
	sortPeers(s.peers)
	return s
}

// DiscoverPeers returns a copy of the configured peers.
func (s *Static) DiscoverPeers(context.Context) ([]Peer, error) {
	return append([]Peer(nil), s.peers...), nil
}

// New builds the discovery selected by cfg. self is this node's id and
// advertise the address peers reach its cluster transport on.
func New(cfg config.DiscoveryConfig, self types.NodeID, advertise string) (Discovery, error) {
	switch cfg.Kind {
	case "", "static":
		return NewStatic(self, cfg.Static), nil
	case "kubernetes":
		return NewKubeDiscovery(cfg.Kubernetes.Namespace, cfg.Kubernetes.Service, cfg.Kubernetes.PortName)
	case "memberlist":
		return NewMemberlist(MemberlistOptions{
			NodeID:    self,
			Bind:      cfg.Memberlist.Bind,
			Advertise: cfg.Memberlist.Advertise,
			GRPCAddr:  advertise,
			Seeds:     cfg.Memberlist.Seeds,
		})
	default:
		return nil, fmt.Errorf("unknown discovery kind %q", cfg.Kind)
	}
}

func sortPeers(peers []Peer) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
}
