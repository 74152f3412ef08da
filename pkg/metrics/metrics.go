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

// package metrics provides Prometheus metrics for the broker core.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/emqx-core/pkg/logger"
	"go.uber.org/zap"
)

var (
	// ConnectionsTotal is a counter for the total number of connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emqx_core_connections_total",
		Help: "The total number of connections made to the broker.",
	})

	// ConnectedClients tracks registry entries that currently hold a live connection.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_core_connected_clients",
		Help: "Number of clients with a live connection on this node.",
	})

	// Sessions tracks registry entries that hold a session, connected or not.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_core_sessions",
		Help: "Number of sessions registered on this node.",
	})

	// KicksTotal counts connections evicted from the registry.
	KicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_kicks_total",
		Help: "The total number of kicked connections, partitioned by whether subscriptions were cleared.",
	},
		[]string{"clear"},
	)

	// ForwardsTotal counts deliveries into client mailboxes by outcome.
	ForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_forwards_total",
		Help: "The total number of message deliveries, partitioned by reason.",
	},
		[]string{"reason"},
	)

	// Routes tracks the number of (filter, subscriber) registrations in the router.
	Routes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_core_routes",
		Help: "Number of subscriptions registered in the topic router.",
	})

	// RouterMatchDuration observes topic lookups in the router.
	RouterMatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "emqx_core_router_match_duration_seconds",
		Help:    "Time spent matching a topic against the router.",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// RetainedMessages tracks the retained messages held by this node's store.
	RetainedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_core_retained_messages",
		Help: "Number of retained messages currently stored.",
	})

	// RetainOpsTotal counts retained store operations.
	RetainOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_retain_operations_total",
		Help: "The total number of retained store operations.",
	},
		[]string{"backend", "op", "result"},
	)

	// LimiterRejectedTotal counts acquisitions refused by a listener limiter.
	LimiterRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_limiter_rejected_total",
		Help: "The total number of limiter acquisitions that were refused.",
	},
		[]string{"limiter"},
	)

	// ClusterRequestsTotal counts inter-node RPCs by method and outcome.
	ClusterRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_cluster_requests_total",
		Help: "The total number of cluster RPCs sent to peers.",
	},
		[]string{"method", "result"},
	)

	// RemoteForwardsTotal counts publishes shipped to peer nodes.
	RemoteForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_remote_forwards_total",
		Help: "The total number of publishes forwarded to other nodes.",
	},
		[]string{"node", "result"},
	)

	// ClusterPeers tracks the peers the cluster manager holds a client for.
	ClusterPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emqx_core_cluster_peers",
		Help: "Number of known cluster peers.",
	})

	// PacketsTotal counts MQTT control packets by direction and type.
	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_mqtt_packets_total",
		Help: "The total number of MQTT packets received and sent.",
	},
		[]string{"direction", "type"},
	)

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emqx_core_supervisor_restarts_total",
		Help: "The total number of times a supervised worker has been restarted.",
	},
		[]string{"worker"},
	)
)

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the HTTP handler that exposes the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes the Prometheus metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	log := logger.Named("metrics")
	srv := &http.Server{Addr: addr, Handler: Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
