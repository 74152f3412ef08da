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

// Package limiter gates connection and publish work per listener with token
// buckets. Acquisitions either wait for capacity, honouring the caller's
// context, or fail immediately when the listener is configured to fail fast.
// Callers must never acquire while holding a registry entry lock.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Settings configures one token bucket.
type Settings struct {
	// Rate is the refill rate in tokens per second. Zero means unlimited.
	Rate float64
	// Burst is the bucket size. Zero derives it from Rate.
	Burst int
	// FailFast rejects instead of waiting when no token is available.
	FailFast bool
	// MaxWait caps how long an acquisition may wait. Zero means until ctx ends.
	MaxWait time.Duration
}

// ConnSettings returns the connection-rate settings of a listener.
func ConnSettings(cfg config.ListenerConfig) Settings {
	return Settings{Rate: cfg.MaxConnRate, Burst: cfg.ConnBurst, FailFast: cfg.FailFast, MaxWait: cfg.MaxWait}
}

// MsgSettings returns the publish-rate settings of a listener.
func MsgSettings(cfg config.ListenerConfig) Settings {
	return Settings{Rate: cfg.MaxMsgRate, Burst: cfg.MsgBurst, FailFast: cfg.FailFast, MaxWait: cfg.MaxWait}
}

// Validate rejects negative values.
func (s Settings) Validate() error {
	switch {
	case s.Rate < 0:
		return errors.New("rate must not be negative")
	case s.Burst < 0:
		return errors.New("burst must not be negative")
	case s.MaxWait < 0:
		return errors.New("max wait must not be negative")
	}
	return nil
}

func (s Settings) limit() rate.Limit {
	if s.Rate <= 0 {
		return rate.Inf
	}
	return rate.Limit(s.Rate)
}

func (s Settings) burst() int {
	if s.Burst > 0 {
		return s.Burst
	}
	if s.Rate <= 0 {
		return 0
	}
	return int(math.Max(1, math.Ceil(s.Rate)))
}

// Limiter is a named token bucket.
type Limiter struct {
	name     string
	bucket   *rate.Limiter
	settings atomic.Pointer[Settings]
}

// New creates a limiter with the given settings.
func New(name string, s Settings) *Limiter {
	l := &Limiter{
		name:   name,
		bucket: rate.NewLimiter(s.limit(), s.burst()),
	}
	l.settings.Store(&s)
	return l
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Settings returns the current settings.
func (l *Limiter) Settings() Settings {
	return *l.settings.Load()
}

// Reconfigure applies new settings in place. Tokens already in the bucket
// are kept up to the new burst.
func (l *Limiter) Reconfigure(s Settings) {
	l.bucket.SetLimit(s.limit())
	l.bucket.SetBurst(s.burst())
	l.settings.Store(&s)
}

// AcquireOne is Acquire(ctx, 1).
func (l *Limiter) AcquireOne(ctx context.Context) error {
	return l.Acquire(ctx, 1)
}

// Acquire takes n tokens. It waits for them unless the limiter fails fast,
// and returns ErrLimiterSaturated when they cannot be had in time. A
// cancelled ctx returns the context's error.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	s := l.settings.Load()
	if s.limit() == rate.Inf {
		return nil
	}
	if n > s.burst() {
		return l.saturated(fmt.Sprintf("requested %d tokens exceeds burst %d", n, s.burst()))
	}

	if s.FailFast {
		if !l.bucket.AllowN(time.Now(), n) {
			return l.saturated("no tokens available")
		}
		return nil
	}

	waitCtx := ctx
	if s.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.MaxWait)
		defer cancel()
	}
	if err := l.bucket.WaitN(waitCtx, n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.saturated(err.Error())
	}
	return nil
}

func (l *Limiter) saturated(detail string) error {
	metrics.LimiterRejectedTotal.WithLabelValues(l.name).Inc()
	return fmt.Errorf("%w: %s: %s", types.ErrLimiterSaturated, l.name, detail)
}

const defaultCacheSize = 1024

// Manager hands out named limiters. Limiters are cached; asking again for a
// name with changed settings reconfigures the cached limiter in place.
type Manager struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Limiter]
	log   *zap.Logger
}

// NewManager creates a manager caching up to size limiters. A non-positive
// size uses a default.
func NewManager(size int) (*Manager, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *Limiter](size)
	if err != nil {
		return nil, err
	}
	return &Manager{cache: cache, log: logger.Named("limiter")}, nil
}

// Get returns the connection limiter of the named listener.
func (m *Manager) Get(name string, cfg config.ListenerConfig) (*Limiter, error) {
	return m.get(name+"/conn", ConnSettings(cfg))
}

// GetMessages returns the publish limiter of the named listener.
func (m *Manager) GetMessages(name string, cfg config.ListenerConfig) (*Limiter, error) {
	return m.get(name+"/msg", MsgSettings(cfg))
}

func (m *Manager) get(key string, s Settings) (*Limiter, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("limiter %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.cache.Get(key); ok {
		if l.Settings() != s {
			m.log.Info("Reconfiguring limiter", zap.String("limiter", key),
				zap.Float64("rate", s.Rate), zap.Int("burst", s.Burst))
			l.Reconfigure(s)
		}
		return l, nil
	}
	l := New(key, s)
	m.cache.Add(key, l)
	return l, nil
}

// Len returns the number of cached limiters.
func (m *Manager) Len() int {
	return m.cache.Len()
}
