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

package retainer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
)

const shardCount = 32

type memoryShard struct {
	mu    sync.RWMutex
	items map[types.Topic]types.Retain
}

// Memory keeps retained messages in hash-sharded maps. Writers lock only the
// shard owning the topic.
type Memory struct {
	shards [shardCount]*memoryShard
	count  atomic.Int64
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	m := &Memory{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{items: make(map[types.Topic]types.Retain)}
	}
	return m
}

func (m *Memory) shard(t types.Topic) *memoryShard {
	return m.shards[xxhash.Sum64String(t)%shardCount]
}

// Set stores r under t, replacing any previous retain.
func (m *Memory) Set(_ context.Context, t types.Topic, r types.Retain) error {
	s := m.shard(t)
	s.mu.Lock()
	_, existed := s.items[t]
	s.items[t] = r
	s.mu.Unlock()
	if !existed {
		m.count.Add(1)
	}
	return nil
}

// Get returns the retains whose topic matches filter, sorted by topic.
func (m *Memory) Get(_ context.Context, filter types.TopicFilter) ([]types.TopicRetain, error) {
	if !topic.HasWildcard(filter) {
		s := m.shard(filter)
		s.mu.RLock()
		r, ok := s.items[filter]
		s.mu.RUnlock()
		if !ok {
			return nil, nil
		}
		return []types.TopicRetain{{Topic: filter, Retain: r}}, nil
	}

	var out []types.TopicRetain
	for _, s := range m.shards {
		s.mu.RLock()
		for t, r := range s.items {
			if topic.Match(t, filter) {
				out = append(out, types.TopicRetain{Topic: t, Retain: r})
			}
		}
		s.mu.RUnlock()
	}
	sortByTopic(out)
	return out, nil
}

// Delete removes the retain of t.
func (m *Memory) Delete(_ context.Context, t types.Topic) error {
	s := m.shard(t)
	s.mu.Lock()
	_, existed := s.items[t]
	delete(s.items, t)
	s.mu.Unlock()
	if existed {
		m.count.Add(-1)
	}
	return nil
}

// Count returns the number of stored retains.
func (m *Memory) Count(context.Context) (uint64, error) {
	return uint64(m.count.Load()), nil
}

// DeleteExpired sweeps every shard for retains expired at now.
func (m *Memory) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	deleted := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for t, r := range s.items {
			if r.Expired(now) {
				delete(s.items, t)
				deleted++
			}
		}
		s.mu.Unlock()
	}
	m.count.Add(int64(-deleted))
	return deleted, nil
}

// Name returns "memory".
func (m *Memory) Name() string { return "memory" }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
