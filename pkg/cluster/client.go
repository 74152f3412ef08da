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
	"fmt"
	"strings"
	"time"

	"github.com/turtacn/emqx-core/pkg/chaos"
	"github.com/turtacn/emqx-core/pkg/discovery"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	defaultRequestTimeout = 3 * time.Second
	connIdleTimeout       = time.Minute
)

// Client calls the cluster service of peer nodes. Connections are cached per
// address. Every failed call wraps types.ErrRemoteUnavailable.
type Client struct {
	timeout time.Duration
	chaos   *chaos.Injector
	conns   *connManager
}

// NewClient creates a client whose calls time out after timeout. Faults
// configured on injector are applied before every call; it may be nil.
func NewClient(timeout time.Duration, injector *chaos.Injector) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		timeout: timeout,
		chaos:   injector,
		conns:   newConnManager(connIdleTimeout, dial),
	}
}

func dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	)
}

// Join introduces this node to peer and exchanges route tables.
func (c *Client) Join(ctx context.Context, peer discovery.Peer, req *JoinRequest) (*JoinResponse, error) {
	resp := new(JoinResponse)
	return resp, c.invoke(ctx, peer, methodJoin, req, resp)
}

// Leave tells peer that this node is going away.
func (c *Client) Leave(ctx context.Context, peer discovery.Peer, req *LeaveRequest) (*LeaveResponse, error) {
	resp := new(LeaveResponse)
	return resp, c.invoke(ctx, peer, methodLeave, req, resp)
}

// UpdateRoutes sends a batch of local route changes to peer.
func (c *Client) UpdateRoutes(ctx context.Context, peer discovery.Peer, req *RouteUpdate) (*RouteUpdateResponse, error) {
	resp := new(RouteUpdateResponse)
	return resp, c.invoke(ctx, peer, methodUpdateRoutes, req, resp)
}

// Forward ships a publish to peer for delivery to its local subscribers.
func (c *Client) Forward(ctx context.Context, peer discovery.Peer, req *ForwardRequest) (*ForwardResponse, error) {
	resp := new(ForwardResponse)
	return resp, c.invoke(ctx, peer, methodForward, req, resp)
}

// Kick asks peer to evict a client.
func (c *Client) Kick(ctx context.Context, peer discovery.Peer, req *KickRequest) (*KickResponse, error) {
	resp := new(KickResponse)
	return resp, c.invoke(ctx, peer, methodKick, req, resp)
}

// Forget closes the cached connection to peer.
func (c *Client) Forget(peer discovery.Peer) {
	c.conns.drop(peer.Address)
}

// Close closes every cached connection.
func (c *Client) Close() {
	c.conns.close()
}

func (c *Client) invoke(ctx context.Context, peer discovery.Peer, method string, req, resp any) error {
	name := method[strings.LastIndex(method, "/")+1:]
	err := c.call(ctx, peer, method, req, resp)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ClusterRequestsTotal.WithLabelValues(name, result).Inc()
	if err != nil {
		return fmt.Errorf("%s to %s: %w", name, peer.ID, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, peer discovery.Peer, method string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.chaos.Apply(ctx, peer.ID); err != nil {
		return err
	}
	cc, release, err := c.conns.get(peer.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
	}
	defer release()
	if err := cc.Invoke(ctx, method, req, resp); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
	}
	return nil
}
