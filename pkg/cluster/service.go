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

	"google.golang.org/grpc"
)

const serviceName = "emqxcore.cluster.v1.Cluster"

const (
	methodJoin         = "/" + serviceName + "/Join"
	methodLeave        = "/" + serviceName + "/Leave"
	methodUpdateRoutes = "/" + serviceName + "/UpdateRoutes"
	methodForward      = "/" + serviceName + "/Forward"
	methodKick         = "/" + serviceName + "/Kick"
)

// clusterService is served by every node.
type clusterService interface {
	Join(ctx context.Context, in *JoinRequest) (*JoinResponse, error)
	Leave(ctx context.Context, in *LeaveRequest) (*LeaveResponse, error)
	UpdateRoutes(ctx context.Context, in *RouteUpdate) (*RouteUpdateResponse, error)
	Forward(ctx context.Context, in *ForwardRequest) (*ForwardResponse, error)
	Kick(ctx context.Context, in *KickRequest) (*KickResponse, error)
}

var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*clusterService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: unaryHandler(methodJoin, clusterService.Join)},
		{MethodName: "Leave", Handler: unaryHandler(methodLeave, clusterService.Leave)},
		{MethodName: "UpdateRoutes", Handler: unaryHandler(methodUpdateRoutes, clusterService.UpdateRoutes)},
		{MethodName: "Forward", Handler: unaryHandler(methodForward, clusterService.Forward)},
		{MethodName: "Kick", Handler: unaryHandler(methodKick, clusterService.Kick)},
	},
	Metadata: "emqxcore/cluster/v1/cluster.json",
}

// unaryHandler adapts a service method to a grpc.MethodHandler.
func unaryHandler[Req, Resp any](fullMethod string, call func(clusterService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(clusterService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(clusterService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
