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

import "github.com/turtacn/emqx-core/pkg/types"

// RouteOp is the kind of a route update.
type RouteOp string

const (
	RouteAdd    RouteOp = "add"
	RouteRemove RouteOp = "remove"
)

// JoinRequest introduces a node and carries its full route table. The
// receiver replaces what it knew of the sender's routes.
type JoinRequest struct {
	Node    types.NodeID  `json:"node"`
	Address string        `json:"address"`
	Routes  []types.Route `json:"routes,omitempty"`
}

// JoinResponse carries the receiver's own routes back.
type JoinResponse struct {
	Node   types.NodeID  `json:"node"`
	Routes []types.Route `json:"routes,omitempty"`
}

// LeaveRequest announces that a node is shutting down.
type LeaveRequest struct {
	Node types.NodeID `json:"node"`
}

// LeaveResponse acknowledges a LeaveRequest.
type LeaveResponse struct {
	Removed int `json:"removed"`
}

// RouteUpdate is a batch of route changes made on the sending node.
type RouteUpdate struct {
	From   types.NodeID  `json:"from"`
	Op     RouteOp       `json:"op"`
	Routes []types.Route `json:"routes"`
}

// RouteUpdateResponse acknowledges a RouteUpdate.
type RouteUpdateResponse struct {
	Applied int `json:"applied"`
}

// ForwardRequest ships a publish together with the filters that matched on
// the receiving node.
type ForwardRequest struct {
	From    types.From          `json:"from"`
	Publish types.Publish       `json:"publish"`
	Filters []types.TopicFilter `json:"filters"`
}

// ForwardResponse reports local delivery failures on the receiving node.
type ForwardResponse struct {
	Failed  int                  `json:"failed,omitempty"`
	Reasons map[types.Reason]int `json:"reasons,omitempty"`
}

// KickRequest asks a node to evict a client that connected elsewhere.
type KickRequest struct {
	From   types.NodeID   `json:"from"`
	Client types.ClientID `json:"client"`
}

// KickResponse reports whether the client was present.
type KickResponse struct {
	Present bool `json:"present"`
}
