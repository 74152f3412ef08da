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

// Package config provides configuration management for the broker core:
// node identity and delivery settings, listener admission limits, the
// retained-message backend, clustering and the ambient observability knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/turtacn/emqx-core/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// NodeConfig holds the identity of this node and per-client delivery settings.
type NodeConfig struct {
	ID               string        `yaml:"id" json:"id"`
	MaxQoS           byte          `yaml:"max_qos" json:"max_qos"`
	DeliveryTimeout  time.Duration `yaml:"delivery_timeout" json:"delivery_timeout"`
	MailboxSize      int           `yaml:"mailbox_size" json:"mailbox_size"`
	PendingQueueSize int           `yaml:"pending_queue_size" json:"pending_queue_size"`
}

// ListenerConfig carries the admission settings of one listener. Rates are
// events per second; zero means unlimited.
type ListenerConfig struct {
	Name        string        `yaml:"name" json:"name"`
	Addr        string        `yaml:"addr" json:"addr"`
	MaxConnRate float64       `yaml:"max_conn_rate" json:"max_conn_rate"`
	ConnBurst   int           `yaml:"conn_burst" json:"conn_burst"`
	MaxMsgRate  float64       `yaml:"max_msg_rate" json:"max_msg_rate"`
	MsgBurst    int           `yaml:"msg_burst" json:"msg_burst"`
	FailFast    bool          `yaml:"fail_fast" json:"fail_fast"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait"`

	// MaxPacketSize bounds a single MQTT packet. Zero uses 1 MiB.
	MaxPacketSize int `yaml:"max_packet_size" json:"max_packet_size"`
}

// RetainConfig selects and tunes the retained-message backend.
type RetainConfig struct {
	Backend               string        `yaml:"backend" json:"backend"` // memory, bolt, postgres
	BoltPath              string        `yaml:"bolt_path" json:"bolt_path"`
	PostgresDSN           string        `yaml:"postgres_dsn" json:"postgres_dsn"`
	MaxPayloadSize        int64         `yaml:"max_payload_size" json:"max_payload_size"`
	MaxRetainedMessages   uint64        `yaml:"max_retained_messages" json:"max_retained_messages"`
	MessageExpiryInterval time.Duration `yaml:"message_expiry_interval" json:"message_expiry_interval"`
	CleanupInterval       time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// PeerConfig is a statically configured cluster peer.
type PeerConfig struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
}

// KubernetesConfig locates peers through the endpoints of a headless service.
type KubernetesConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Service   string `yaml:"service" json:"service"`
	PortName  string `yaml:"port_name" json:"port_name"`
}

// MemberlistConfig locates peers through gossip.
type MemberlistConfig struct {
	Bind      string   `yaml:"bind" json:"bind"`
	Advertise string   `yaml:"advertise" json:"advertise"`
	Seeds     []string `yaml:"seeds,omitempty" json:"seeds,omitempty"`
}

// DiscoveryConfig selects how cluster peers are found.
type DiscoveryConfig struct {
	Kind       string           `yaml:"kind" json:"kind"` // static, kubernetes, memberlist
	Static     []PeerConfig     `yaml:"static,omitempty" json:"static,omitempty"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
	Memberlist MemberlistConfig `yaml:"memberlist" json:"memberlist"`
}

// ClusterConfig configures the inter-node transport.
type ClusterConfig struct {
	Enabled         bool            `yaml:"enabled" json:"enabled"`
	GRPCAddr        string          `yaml:"grpc_addr" json:"grpc_addr"`
	AdvertiseAddr   string          `yaml:"advertise_addr" json:"advertise_addr"`
	RequestTimeout  time.Duration   `yaml:"request_timeout" json:"request_timeout"`
	RefreshInterval time.Duration   `yaml:"refresh_interval" json:"refresh_interval"`
	Discovery       DiscoveryConfig `yaml:"discovery" json:"discovery"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig toggles OpenTelemetry spans.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Config holds the complete configuration
type Config struct {
	Node      NodeConfig       `yaml:"node" json:"node"`
	Listeners []ListenerConfig `yaml:"listeners" json:"listeners"`
	Retain    RetainConfig     `yaml:"retain" json:"retain"`
	Cluster   ClusterConfig    `yaml:"cluster" json:"cluster"`
	Metrics   MetricsConfig    `yaml:"metrics" json:"metrics"`
	Health    HealthConfig     `yaml:"health" json:"health"`
	Log       LogConfig        `yaml:"log" json:"log"`
	Tracing   TracingConfig    `yaml:"tracing" json:"tracing"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:               "emqx-core-node",
			MaxQoS:           2,
			DeliveryTimeout:  100 * time.Millisecond,
			MailboxSize:      1024,
			PendingQueueSize: 1000,
		},
		Listeners: []ListenerConfig{
			{
				Name:        "tcp:default",
				Addr:        ":1883",
				MaxConnRate: 1000,
				ConnBurst:   100,
				MaxMsgRate:  0,
				MsgBurst:    0,
				FailFast:    false,
				MaxWait:     5 * time.Second,

				MaxPacketSize: 1 << 20,
			},
		},
		Retain: RetainConfig{
			Backend:               "memory",
			MaxPayloadSize:        1024 * 1024,
			MaxRetainedMessages:   10000,
			MessageExpiryInterval: 0,
			CleanupInterval:       5 * time.Minute,
		},
		Cluster: ClusterConfig{
			Enabled:         false,
			GRPCAddr:        ":8081",
			RequestTimeout:  3 * time.Second,
			RefreshInterval: 15 * time.Second,
			Discovery: DiscoveryConfig{
				Kind: "static",
				Kubernetes: KubernetesConfig{
					Namespace: "default",
					Service:   "emqx-core-headless",
					PortName:  "grpc",
				},
				Memberlist: MemberlistConfig{
					Bind: "0.0.0.0:7946",
				},
			},
		},
		Metrics: MetricsConfig{Addr: ":8082"},
		Health:  HealthConfig{Addr: ":8083"},
		Log:     LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig loads configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	log := logger.Named("config")

	// If no config file specified, return default config
	if configPath == "" {
		log.Info("No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	// Start from defaults so that omitted sections keep sensible values.
	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("Configuration loaded", zap.String("path", configPath))
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	logger.Named("config").Info("Configuration saved", zap.String("path", configPath))
	return nil
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.MaxQoS > 2 {
		return fmt.Errorf("node.max_qos must be 0, 1 or 2, got %d", c.Node.MaxQoS)
	}
	if c.Node.MailboxSize <= 0 {
		return fmt.Errorf("node.mailbox_size must be positive")
	}
	if c.Node.DeliveryTimeout < 0 {
		return fmt.Errorf("node.delivery_timeout cannot be negative")
	}

	names := make(map[string]bool)
	for i, l := range c.Listeners {
		if l.Name == "" {
			return fmt.Errorf("listener %d: name cannot be empty", i)
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate listener name: %s", l.Name)
		}
		names[l.Name] = true
		if l.MaxConnRate < 0 || l.MaxMsgRate < 0 {
			return fmt.Errorf("listener %s: rates cannot be negative", l.Name)
		}
		if l.ConnBurst < 0 || l.MsgBurst < 0 {
			return fmt.Errorf("listener %s: bursts cannot be negative", l.Name)
		}
		if l.MaxPacketSize < 0 {
			return fmt.Errorf("listener %s: max_packet_size cannot be negative", l.Name)
		}
	}

	switch c.Retain.Backend {
	case "memory":
	case "bolt":
		if c.Retain.BoltPath == "" {
			return fmt.Errorf("retain.bolt_path is required for the bolt backend")
		}
	case "postgres":
		if c.Retain.PostgresDSN == "" {
			return fmt.Errorf("retain.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unsupported retain backend: %s (supported: memory, bolt, postgres)", c.Retain.Backend)
	}

	if c.Cluster.Enabled {
		if c.Cluster.GRPCAddr == "" {
			return fmt.Errorf("cluster.grpc_addr cannot be empty when clustering is enabled")
		}
		switch c.Cluster.Discovery.Kind {
		case "static", "kubernetes", "memberlist":
		default:
			return fmt.Errorf("unsupported discovery kind: %s (supported: static, kubernetes, memberlist)", c.Cluster.Discovery.Kind)
		}
	}

	return nil
}

// Listener returns the listener configuration with the given name.
func (c *Config) Listener(name string) (ListenerConfig, bool) {
	for _, l := range c.Listeners {
		if l.Name == name {
			return l, true
		}
	}
	return ListenerConfig{}, false
}
