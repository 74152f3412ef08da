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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/turtacn/emqx-core/pkg/discovery"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/tracing"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

const stopTimeout = 2 * time.Second

// Server exposes a Manager to the other nodes.
type Server struct {
	manager *Manager
	log     *zap.Logger
}

// NewServer creates a server for m.
func NewServer(m *Manager) *Server {
	return &Server{manager: m, log: logger.Named("cluster")}
}

// Serve accepts cluster calls on lis until ctx is done, then stops
// gracefully. lis is closed on return.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
	)
	healthpb.RegisterHealthServer(srv, health.NewServer())
	srv.RegisterService(&clusterServiceDesc, &service{m: s.manager})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	s.log.Info("Cluster server listening", zap.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() { srv.GracefulStop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		srv.Stop()
	}
	if err := <-errCh; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// service serves the cluster calls of peers.
type service struct {
	m *Manager
}

var errNoLocalNode = errors.New("local node not attached")

// deliveryFailures is the partial failure returned by local delivery.
type deliveryFailures interface {
	error
	Reasons() map[types.Reason]int
}

func (s *service) Join(ctx context.Context, in *JoinRequest) (*JoinResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.Join", attribute.String("node", in.Node))
	if in.Node == "" || in.Node == s.m.opts.NodeID {
		err := fmt.Errorf("rejecting join from node %q", in.Node)
		end(err)
		return nil, err
	}
	if in.Address != "" {
		s.m.rememberPeer(discovery.Peer{ID: in.Node, Address: in.Address})
	}
	s.m.replaceRoutes(ctx, in.Node, in.Routes)
	end(nil)
	return &JoinResponse{Node: s.m.opts.NodeID, Routes: s.m.routes.Routes(s.m.opts.NodeID)}, nil
}

func (s *service) Leave(ctx context.Context, in *LeaveRequest) (*LeaveResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.Leave", attribute.String("node", in.Node))
	defer end(nil)
	return &LeaveResponse{Removed: s.m.RemovePeer(ctx, in.Node)}, nil
}

func (s *service) UpdateRoutes(ctx context.Context, in *RouteUpdate) (*RouteUpdateResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.UpdateRoutes", attribute.String("node", in.From))
	defer end(nil)
	if in.From == s.m.opts.NodeID {
		return &RouteUpdateResponse{}, nil
	}
	return &RouteUpdateResponse{Applied: s.m.applyUpdate(ctx, in)}, nil
}

func (s *service) Forward(ctx context.Context, in *ForwardRequest) (*ForwardResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.Forward",
		attribute.String("node", in.From.Node), attribute.String("topic", in.Publish.Topic))
	local := s.m.localNode()
	if local == nil {
		end(errNoLocalNode)
		return nil, errNoLocalNode
	}
	from := in.From
	from.Kind = types.FromCluster
	err := local.ForwardsLocal(ctx, from, in.Publish, in.Filters)
	end(err)

	resp := &ForwardResponse{}
	var failures deliveryFailures
	switch {
	case err == nil:
	case errors.As(err, &failures):
		resp.Reasons = failures.Reasons()
		for _, n := range resp.Reasons {
			resp.Failed += n
		}
	default:
		return nil, err
	}
	return resp, nil
}

func (s *service) Kick(ctx context.Context, in *KickRequest) (*KickResponse, error) {
	ctx, end := tracing.StartSpan(ctx, "cluster.Kick", attribute.String("client", in.Client))
	local := s.m.localNode()
	if local == nil {
		end(nil)
		return &KickResponse{}, nil
	}
	present, err := local.Kick(ctx, in.Client, true)
	end(err)
	if err != nil {
		return nil, err
	}
	return &KickResponse{Present: present}, nil
}
