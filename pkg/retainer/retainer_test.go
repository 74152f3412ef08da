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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/types"
)

func createTestRetainer(t *testing.T, mutate func(*config.RetainConfig)) *Retainer {
	cfg := config.DefaultConfig().Retain
	cfg.CleanupInterval = 20 * time.Millisecond // Faster cleanup for testing
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(NewMemory(), cfg)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRetainerSetAndGet(t *testing.T) {
	retainer := createTestRetainer(t, nil)
	ctx := context.Background()

	err := retainer.Set(ctx, "test/retained", types.Retain{Payload: []byte("hello world"), QoS: 1})
	require.NoError(t, err)

	msgs, err := retainer.Get(ctx, "test/+")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "test/retained", msgs[0].Topic)
	assert.Equal(t, []byte("hello world"), msgs[0].Retain.Payload)
	assert.False(t, msgs[0].Retain.StoredAt.IsZero())
	assert.Nil(t, msgs[0].Retain.ExpiresAt)
}

func TestRetainerEmptyPayloadDeletes(t *testing.T) {
	retainer := createTestRetainer(t, nil)
	ctx := context.Background()

	require.NoError(t, retainer.Set(ctx, "test/delete", types.Retain{Payload: []byte("test")}))
	require.NoError(t, retainer.Set(ctx, "test/delete", types.Retain{}))

	msgs, err := retainer.Get(ctx, "test/delete")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRetainerRejectsInvalid(t *testing.T) {
	retainer := createTestRetainer(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, retainer.Set(ctx, "a/+", types.Retain{Payload: []byte("x")}), types.ErrInvalidTopic)
	_, err := retainer.Get(ctx, "a/#/b")
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestRetainerPayloadSizeLimit(t *testing.T) {
	retainer := createTestRetainer(t, func(c *config.RetainConfig) { c.MaxPayloadSize = 10 })
	ctx := context.Background()

	require.NoError(t, retainer.Set(ctx, "small", types.Retain{Payload: []byte("tiny")}))
	err := retainer.Set(ctx, "large", types.Retain{Payload: []byte("this payload is too large")})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestRetainerMaxMessages(t *testing.T) {
	retainer := createTestRetainer(t, func(c *config.RetainConfig) { c.MaxRetainedMessages = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, retainer.Set(ctx, fmt.Sprintf("t/%d", i), types.Retain{Payload: []byte("x")}))
	}
	assert.ErrorIs(t, retainer.Set(ctx, "t/2", types.Retain{Payload: []byte("x")}), ErrRetainedLimit)
	// Overwriting an existing topic does not grow the store.
	assert.NoError(t, retainer.Set(ctx, "t/1", types.Retain{Payload: []byte("y")}))
}

func TestRetainerMaxMessagesConcurrent(t *testing.T) {
	const limit, writers = 5, 50
	retainer := createTestRetainer(t, func(c *config.RetainConfig) { c.MaxRetainedMessages = limit })
	ctx := context.Background()

	var stored, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := retainer.Set(ctx, fmt.Sprintf("c/%d", i), types.Retain{Payload: []byte("x")})
			switch {
			case err == nil:
				stored.Add(1)
			case errors.Is(err, ErrRetainedLimit):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(limit), stored.Load())
	assert.Equal(t, int32(writers-limit), rejected.Load())
	stats, err := retainer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(limit), stats.RetainedMessages)
}

func TestRetainerExpiry(t *testing.T) {
	retainer := createTestRetainer(t, func(c *config.RetainConfig) { c.MessageExpiryInterval = time.Minute })
	ctx := context.Background()

	base := time.Now()
	retainer.now = func() time.Time { return base }
	require.NoError(t, retainer.Set(ctx, "exp/a", types.Retain{Payload: []byte("x")}))

	msgs, err := retainer.Get(ctx, "exp/a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Retain.ExpiresAt)
	assert.Equal(t, base.Add(time.Minute), *msgs[0].Retain.ExpiresAt)

	// Past the expiry the message is hidden, then swept.
	retainer.now = func() time.Time { return base.Add(2 * time.Minute) }
	msgs, err = retainer.Get(ctx, "exp/#")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	deleted, err := retainer.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	stats, err := retainer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), stats.RetainedMessages)
	assert.Equal(t, "memory", stats.Backend)
}

func TestRetainerRunSweeps(t *testing.T) {
	retainer := createTestRetainer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	past := time.Now().Add(-time.Second)
	require.NoError(t, retainer.Set(ctx, "old", types.Retain{Payload: []byte("x"), ExpiresAt: &past}))

	done := make(chan error, 1)
	go func() { done <- retainer.Run(ctx) }()

	assert.Eventually(t, func() bool {
		stats, err := retainer.Stats(ctx)
		return err == nil && stats.RetainedMessages == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
