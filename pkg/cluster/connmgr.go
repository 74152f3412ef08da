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
	"sync"
	"time"

	"google.golang.org/grpc"
)

// connManager caches client connections per address and closes the ones left
// idle longer than ttl.
type connManager struct {
	mu      sync.Mutex
	conns   map[string]*managedConn
	ttl     time.Duration
	dial    func(target string) (*grpc.ClientConn, error)
	closing chan struct{}
	once    sync.Once
}

type managedConn struct {
	cc       *grpc.ClientConn
	lastUsed time.Time
	ref      int
}

func newConnManager(ttl time.Duration, dial func(target string) (*grpc.ClientConn, error)) *connManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &connManager{ttl: ttl, dial: dial, conns: make(map[string]*managedConn), closing: make(chan struct{})}
	go m.janitor()
	return m
}

// get returns a connection for target and a release func to call when done.
func (m *connManager) get(target string) (*grpc.ClientConn, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.conns[target]; ok {
		mc.ref++
		mc.lastUsed = time.Now()
		return mc.cc, func() { m.release(target) }, nil
	}
	// grpc.NewClient does not connect, so dialing under the lock is cheap.
	cc, err := m.dial(target)
	if err != nil {
		return nil, func() {}, err
	}
	m.conns[target] = &managedConn{cc: cc, lastUsed: time.Now(), ref: 1}
	return cc, func() { m.release(target) }, nil
}

func (m *connManager) release(target string) {
	m.mu.Lock()
	if mc, ok := m.conns[target]; ok {
		if mc.ref > 0 {
			mc.ref--
		}
		mc.lastUsed = time.Now()
	}
	m.mu.Unlock()
}

// drop closes the connection to target, if any.
func (m *connManager) drop(target string) {
	m.mu.Lock()
	mc, ok := m.conns[target]
	delete(m.conns, target)
	m.mu.Unlock()
	if ok {
		_ = mc.cc.Close()
	}
}

// close closes all cached connections and stops the janitor.
func (m *connManager) close() {
	m.once.Do(func() { close(m.closing) })
	m.mu.Lock()
	for k, mc := range m.conns {
		_ = mc.cc.Close()
		delete(m.conns, k)
	}
	m.mu.Unlock()
}

func (m *connManager) janitor() {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.closing:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.ttl)
			m.mu.Lock()
			for addr, mc := range m.conns {
				if mc.ref == 0 && mc.lastUsed.Before(cutoff) {
					_ = mc.cc.Close()
					delete(m.conns, addr)
				}
			}
			m.mu.Unlock()
		}
	}
}
