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
	"fmt"
	"os"

	"github.com/turtacn/emqx-core/pkg/logger"
	"go.uber.org/zap"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// KubeDiscovery lists the ready endpoints of a headless service.
type KubeDiscovery struct {
	clientset kubernetes.Interface
	namespace string
	service   string
	portName  string
	self      string
	log       *zap.Logger
}

// NewKubeDiscovery uses the in-cluster configuration. The pod's hostname
// identifies this node and is excluded from the result.
func NewKubeDiscovery(namespace, service, portName string) (*KubeDiscovery, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("could not get in-cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create clientset: %w", err)
	}

	hostname, _ := os.Hostname()
	return NewKubeDiscoveryWithClient(clientset, namespace, service, portName, hostname), nil
}

// NewKubeDiscoveryWithClient uses the given client. Endpoints whose hostname
// equals self are skipped.
func NewKubeDiscoveryWithClient(clientset kubernetes.Interface, namespace, service, portName, self string) *KubeDiscovery {
	return &KubeDiscovery{
		clientset: clientset,
		namespace: namespace,
		service:   service,
		portName:  portName,
		self:      self,
		log:       logger.Named("discovery"),
	}
}

// DiscoverPeers reads the service endpoints. Subsets without the named port
// are ignored.
func (k *KubeDiscovery) DiscoverPeers(ctx context.Context) ([]Peer, error) {
	endpoints, err := k.clientset.CoreV1().Endpoints(k.namespace).Get(ctx, k.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get endpoints for service %s: %w", k.service, err)
	}

	var peers []Peer
	for _, subset := range endpoints.Subsets {
		var port int32
		for _, p := range subset.Ports {
			if p.Name == k.portName {
				port = p.Port
				break
			}
		}
		if port == 0 {
			continue
		}

		for _, addr := range subset.Addresses {
			id := addr.Hostname
			if id == "" && addr.TargetRef != nil {
				id = addr.TargetRef.Name
			}
			if id == "" {
				id = addr.IP
			}
			if id == k.self {
				continue
			}
			peers = append(peers, Peer{
				ID:      id,
				Address: fmt.Sprintf("%s:%d", addr.IP, port),
			})
		}
	}
	sortPeers(peers)
	k.log.Debug("Discovered peers", zap.String("service", k.service), zap.Int("count", len(peers)))
	return peers, nil
}
