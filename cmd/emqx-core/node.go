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

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/turtacn/emqx-core/pkg/actor"
	"github.com/turtacn/emqx-core/pkg/broker"
	"github.com/turtacn/emqx-core/pkg/cluster"
	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/discovery"
	"github.com/turtacn/emqx-core/pkg/limiter"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/monitor"
	"github.com/turtacn/emqx-core/pkg/protocol/mqtt"
	"github.com/turtacn/emqx-core/pkg/retainer"
	"github.com/turtacn/emqx-core/pkg/router"
	"github.com/turtacn/emqx-core/pkg/supervisor"
	"github.com/turtacn/emqx-core/pkg/tracing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	healthCheckInterval = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// node is one running broker with its background workers.
type node struct {
	cfg      *config.Config
	broker   *broker.Broker
	retained *retainer.Retainer
	cluster  *cluster.Manager
	disc     discovery.Discovery
	checker  *monitor.HealthChecker
	log      *zap.Logger
}

// newNode wires the broker, its storage and, when enabled, the cluster.
func newNode(ctx context.Context, cfg *config.Config) (*node, error) {
	backend, err := retainer.Open(ctx, cfg.Retain)
	if err != nil {
		return nil, fmt.Errorf("failed to open retain backend: %w", err)
	}
	retained := retainer.New(backend, cfg.Retain)

	limiters, err := limiter.NewManager(0)
	if err != nil {
		retained.Close()
		return nil, err
	}

	n := &node{cfg: cfg, retained: retained, log: logger.Named("node")}
	trie := router.New(cfg.Node.ID)
	var routes router.Router = trie
	if cfg.Cluster.Enabled {
		advertise := cfg.Cluster.AdvertiseAddr
		if advertise == "" {
			advertise = cfg.Cluster.GRPCAddr
		}
		n.disc, err = discovery.New(cfg.Cluster.Discovery, cfg.Node.ID, advertise)
		if err != nil {
			retained.Close()
			return nil, fmt.Errorf("failed to set up discovery: %w", err)
		}
		n.cluster = cluster.NewManager(cluster.Options{
			NodeID:          cfg.Node.ID,
			Advertise:       advertise,
			RequestTimeout:  cfg.Cluster.RequestTimeout,
			RefreshInterval: cfg.Cluster.RefreshInterval,
		}, trie, n.disc)
		routes = n.cluster.Router()
	}

	n.broker = broker.New(cfg, routes, retained, limiters)
	if n.cluster != nil {
		n.cluster.SetLocal(n.broker)
		n.broker.SetCluster(n.cluster)
	}

	n.checker = monitor.NewHealthChecker(cfg.Node.ID, version)
	n.checker.RegisterCheck("retainer", func(ctx context.Context) error {
		_, err := retained.Stats(ctx)
		return err
	}, true)
	if n.cluster != nil {
		n.checker.RegisterCheck("cluster", func(context.Context) error {
			if len(n.cluster.Peers()) == 0 {
				return fmt.Errorf("no cluster peers")
			}
			return nil
		}, false)
	}
	return n, nil
}

// specs lists the supervised workers of the node.
func (n *node) specs() []supervisor.Spec {
	var specs []supervisor.Spec
	add := func(id string, restart supervisor.RestartStrategy, f actor.Func) {
		specs = append(specs, supervisor.Spec{ID: id, Actor: f, Restart: restart})
	}

	for _, l := range n.cfg.Listeners {
		srv := mqtt.NewServer(n.broker, l)
		add("listener/"+l.Name, supervisor.RestartTransient, srv.ListenAndServe)
	}
	add("retainer", supervisor.RestartTransient, n.retained.Run)
	add("health-checks", supervisor.RestartTransient, func(ctx context.Context) error {
		return n.checker.Run(ctx, healthCheckInterval)
	})
	if addr := n.cfg.Metrics.Addr; addr != "" {
		add("metrics", supervisor.RestartTransient, func(ctx context.Context) error {
			return metrics.Serve(ctx, addr)
		})
	}
	if addr := n.cfg.Health.Addr; addr != "" {
		hs := monitor.NewHealthServer(n.checker, n.broker)
		add("health", supervisor.RestartTransient, func(ctx context.Context) error {
			return hs.Serve(ctx, addr)
		})
	}
	if n.cluster != nil {
		srv := cluster.NewServer(n.cluster)
		add("cluster-server", supervisor.RestartTransient, func(ctx context.Context) error {
			lis, err := net.Listen("tcp", n.cfg.Cluster.GRPCAddr)
			if err != nil {
				return fmt.Errorf("failed to listen for cluster on %s: %w", n.cfg.Cluster.GRPCAddr, err)
			}
			return srv.Serve(ctx, lis)
		})
		add("cluster", supervisor.RestartTransient, n.cluster.Run)
	}
	return specs
}

// run starts the workers and blocks until ctx is done and they have
// stopped.
func (n *node) run(ctx context.Context) error {
	sup := supervisor.NewOneForOneSupervisor()
	if err := sup.Start(ctx, n.specs()); err != nil {
		return err
	}
	n.log.Info("Node started",
		zap.String("node_id", n.cfg.Node.ID),
		zap.Int("listeners", len(n.cfg.Listeners)),
		zap.Bool("cluster", n.cluster != nil))

	<-ctx.Done()
	n.log.Info("Shutting down")
	sup.Wait()
	return n.close()
}

func (n *node) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if n.cluster != nil {
		errs = multierr.Append(errs, n.cluster.Close(ctx))
	}
	if c, ok := n.disc.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}
	return multierr.Append(errs, n.retained.Close())
}

// runNode runs a node for cfg until ctx is done.
func runNode(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	n, err := newNode(ctx, cfg)
	if err != nil {
		return err
	}
	return n.run(ctx)
}
