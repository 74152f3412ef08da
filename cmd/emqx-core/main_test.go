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
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/config"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "emqx-core "+version+"\n", out.String())
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: n1\nretain:\n  backend: memory\n"), 0644))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "config ok: node n1")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("retain:\n  backend: redis\n"), 0644))
	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"check", "--config", bad})
	assert.Error(t, cmd.Execute())
}

func TestLoadConfigNodeOverride(t *testing.T) {
	cfg, err := loadConfig("", "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Node.ID)
}

func TestRunNode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.ID = "node1"
	cfg.Listeners[0].Addr = freeAddr(t)
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Health.Addr = "127.0.0.1:0"
	cfg.Retain.Backend = "bolt"
	cfg.Retain.BoltPath = filepath.Join(t.TempDir(), "retain.db")
	cfg.Cluster.Enabled = true
	cfg.Cluster.GRPCAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runNode(ctx, cfg) }()

	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + cfg.Listeners[0].Addr).
		SetClientID("smoke").
		SetConnectRetry(true).
		SetConnectRetryInterval(50 * time.Millisecond).
		SetAutoReconnect(false)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	received := make(chan mqtt.Message, 1)
	token = client.Subscribe("smoke/#", 1, func(_ mqtt.Client, msg mqtt.Message) { received <- msg })
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	token = client.Publish("smoke/test", 1, false, "ping")
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case msg := <-received:
		assert.Equal(t, "ping", string(msg.Payload()))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	client.Disconnect(100)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("node did not stop")
	}
}
