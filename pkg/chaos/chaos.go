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

// Package chaos injects network faults into inter-node calls. It is disabled
// by default and consulted by the cluster client before every request.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrPartitioned is returned for calls to a partitioned node.
	ErrPartitioned = fmt.Errorf("%w: network partition", types.ErrRemoteUnavailable)
	// ErrDropped is returned for calls lost to injected packet loss.
	ErrDropped = fmt.Errorf("%w: packet dropped", types.ErrRemoteUnavailable)
)

// FaultType names an injectable fault.
type FaultType string

const (
	FaultTypeNetworkDelay     FaultType = "network-delay"
	FaultTypeNetworkLoss      FaultType = "network-loss"
	FaultTypeNetworkPartition FaultType = "network-partition"
)

// Injector manages fault injection
type Injector struct {
	mu               sync.RWMutex
	enabled          bool
	networkDelay     time.Duration
	networkLossRate  float64
	partitionedNodes map[types.NodeID]bool
	log              *zap.Logger
}

// NewInjector creates a disabled injector.
func NewInjector() *Injector {
	return &Injector{
		partitionedNodes: make(map[types.NodeID]bool),
		log:              logger.Named("chaos"),
	}
}

// Enable enables fault injection
func (i *Injector) Enable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = true
}

// Disable turns injection off and clears every fault.
func (i *Injector) Disable() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = false
	i.networkDelay = 0
	i.networkLossRate = 0
	i.partitionedNodes = make(map[types.NodeID]bool)
}

// IsEnabled returns if fault injection is enabled
func (i *Injector) IsEnabled() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled
}

// InjectNetworkDelay delays every call by delay.
func (i *Injector) InjectNetworkDelay(delay time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.networkDelay = delay
	i.log.Warn("Injecting fault", zap.String("fault", string(FaultTypeNetworkDelay)), zap.Duration("delay", delay))
}

// InjectNetworkLoss drops calls with the given probability.
func (i *Injector) InjectNetworkLoss(lossRate float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.networkLossRate = lossRate
	i.log.Warn("Injecting fault", zap.String("fault", string(FaultTypeNetworkLoss)), zap.Float64("rate", lossRate))
}

// InjectNetworkPartition cuts node off.
func (i *Injector) InjectNetworkPartition(node types.NodeID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.partitionedNodes[node] = true
	i.log.Warn("Injecting fault", zap.String("fault", string(FaultTypeNetworkPartition)), zap.String("node", node))
}

// RemoveNetworkPartition heals the partition of node.
func (i *Injector) RemoveNetworkPartition(node types.NodeID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.partitionedNodes, node)
	i.log.Info("Network partition removed", zap.String("node", node))
}

// IsNodePartitioned checks if a node is partitioned
func (i *Injector) IsNodePartitioned(node types.NodeID) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.enabled && i.partitionedNodes[node]
}

// Apply runs the active faults for a call to node. It waits out the injected
// delay and returns ErrPartitioned or ErrDropped when the call must fail. A
// nil injector does nothing.
func (i *Injector) Apply(ctx context.Context, node types.NodeID) error {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	enabled, delay, loss, partitioned := i.enabled, i.networkDelay, i.networkLossRate, i.partitionedNodes[node]
	i.mu.RUnlock()
	if !enabled {
		return nil
	}

	if partitioned {
		return ErrPartitioned
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(types.ErrRemoteUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	if loss > 0 && rand.Float64() < loss {
		i.log.Debug("Dropping call", zap.String("node", node))
		return ErrDropped
	}
	return nil
}
