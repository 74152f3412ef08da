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

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

// MemberlistOptions configures gossip discovery.
type MemberlistOptions struct {
	NodeID types.NodeID
	// Bind is the gossip address in host:port form. Port 0 picks a free port.
	Bind string
	// Advertise is the gossip address peers use, when it differs from Bind.
	Advertise string
	// GRPCAddr is the cluster transport address announced to peers.
	GRPCAddr string
	// Seeds are gossip addresses joined on start.
	Seeds []string
}

type nodeMeta struct {
	GRPC string `json:"grpc"`
}

// Memberlist discovers peers through SWIM gossip. Every member announces its
// cluster transport address in its node metadata.
type Memberlist struct {
	ml  *memberlist.Memberlist
	log *zap.Logger
}

// NewMemberlist starts gossiping and joins the seeds. A seed that cannot be
// reached is logged; the node then waits to be joined by others.
func NewMemberlist(opts MemberlistOptions) (*Memberlist, error) {
	if opts.NodeID == "" {
		return nil, errors.New("memberlist: empty node id")
	}
	log := logger.Named("discovery")

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = opts.NodeID
	cfg.Logger = zap.NewStdLog(log.Named("memberlist"))
	host, port, err := splitHostPort(opts.Bind)
	if err != nil {
		return nil, fmt.Errorf("memberlist: invalid bind address %q: %w", opts.Bind, err)
	}
	cfg.BindAddr = host
	cfg.BindPort = port
	if opts.Advertise != "" {
		host, port, err := splitHostPort(opts.Advertise)
		if err != nil {
			return nil, fmt.Errorf("memberlist: invalid advertise address %q: %w", opts.Advertise, err)
		}
		cfg.AdvertiseAddr = host
		cfg.AdvertisePort = port
	}

	meta, err := json.Marshal(nodeMeta{GRPC: opts.GRPCAddr})
	if err != nil {
		return nil, err
	}
	cfg.Delegate = &metaDelegate{meta: meta}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	m := &Memberlist{ml: ml, log: log}
	if len(opts.Seeds) > 0 {
		if err := m.Join(opts.Seeds); err != nil {
			log.Warn("Failed to join gossip seeds", zap.Strings("seeds", opts.Seeds), zap.Error(err))
		}
	}
	return m, nil
}

// Join contacts the given gossip addresses.
func (m *Memberlist) Join(seeds []string) error {
	n, err := m.ml.Join(seeds)
	if err != nil {
		return err
	}
	m.log.Info("Joined gossip cluster", zap.Int("contacted", n))
	return nil
}

// LocalAddr returns the gossip address of this node.
func (m *Memberlist) LocalAddr() string {
	return m.ml.LocalNode().Address()
}

// DiscoverPeers returns the live members that announced a transport address.
func (m *Memberlist) DiscoverPeers(context.Context) ([]Peer, error) {
	self := m.ml.LocalNode().Name
	var peers []Peer
	for _, n := range m.ml.Members() {
		if n.Name == self {
			continue
		}
		var meta nodeMeta
		if err := json.Unmarshal(n.Meta, &meta); err != nil || meta.GRPC == "" {
			m.log.Debug("Skipping member without transport address", zap.String("node", n.Name))
			continue
		}
		peers = append(peers, Peer{ID: n.Name, Address: meta.GRPC})
	}
	sortPeers(peers)
	return peers, nil
}

// Close leaves the gossip cluster and stops the memberlist.
func (m *Memberlist) Close() error {
	if err := m.ml.Leave(time.Second); err != nil {
		m.log.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return m.ml.Shutdown()
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

// metaDelegate publishes the node metadata; the other hooks are unused.
type metaDelegate struct {
	meta []byte
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	return nil
}

func (d *metaDelegate) NotifyMsg([]byte)                {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte { return nil }
func (d *metaDelegate) LocalState(bool) []byte          { return nil }
func (d *metaDelegate) MergeRemoteState([]byte, bool)   {}
