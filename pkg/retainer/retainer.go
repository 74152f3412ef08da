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

// Package retainer provides MQTT retained message functionality
// inspired by EMQX's retainer implementation.
package retainer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/logger"
	"github.com/turtacn/emqx-core/pkg/metrics"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
	"go.uber.org/zap"
)

var (
	// ErrPayloadTooLarge is returned when a retained payload exceeds the limit.
	ErrPayloadTooLarge = errors.New("retained payload too large")
	// ErrRetainedLimit is returned when storing a new topic would exceed the limit.
	ErrRetainedLimit = errors.New("retained message limit reached")
)

// Stats provides retainer statistics
type Stats struct {
	Backend          string        `json:"backend"`
	RetainedMessages uint64        `json:"retained_messages"`
	MaxMessages      uint64        `json:"max_messages"`
	MaxPayloadSize   int64         `json:"max_payload_size"`
	ExpiryInterval   time.Duration `json:"expiry_interval"`
}

// Retainer applies the retained-message policy on top of a Backend: an empty
// payload clears the topic, payload size and message count are capped, and
// messages expire after the configured interval.
//
// The message cap is exact for writes through one Retainer. Nodes sharing a
// postgres backend each enforce it on their own, so together they may
// overshoot it by their concurrent writes.
type Retainer struct {
	backend Backend
	config  config.RetainConfig
	log     *zap.Logger
	now     func() time.Time

	// capMu serialises the count, check and store of capped writes.
	capMu sync.Mutex
}

var _ Storage = (*Retainer)(nil)

// New creates a new retainer instance
func New(backend Backend, cfg config.RetainConfig) *Retainer {
	return &Retainer{
		backend: backend,
		config:  cfg,
		log:     logger.Named("retainer"),
		now:     time.Now,
	}
}

// Set stores a retained message for topic t. An empty payload deletes the
// topic's retain instead.
func (r *Retainer) Set(ctx context.Context, t types.Topic, ret types.Retain) (err error) {
	name := r.backend.Name()
	op := "set"
	defer func() {
		metrics.RetainOpsTotal.WithLabelValues(name, op, metrics.Result(err)).Inc()
	}()

	if err := topic.ValidateTopic(t); err != nil {
		return err
	}

	// Empty payload means delete retained message
	if len(ret.Payload) == 0 {
		op = "delete"
		r.log.Debug("Deleting retained message", zap.String("topic", t))
		return r.backend.Delete(ctx, t)
	}

	// Check payload size limit
	if r.config.MaxPayloadSize > 0 && int64(len(ret.Payload)) > r.config.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(ret.Payload), r.config.MaxPayloadSize)
	}

	// Check max retained messages limit; overwriting an existing topic is always allowed.
	if r.config.MaxRetainedMessages > 0 {
		r.capMu.Lock()
		defer r.capMu.Unlock()
		n, err := r.backend.Count(ctx)
		if err != nil {
			return err
		}
		if n >= r.config.MaxRetainedMessages {
			existing, err := r.backend.Get(ctx, t)
			if err != nil {
				return err
			}
			if len(existing) == 0 {
				return fmt.Errorf("%w (%d)", ErrRetainedLimit, r.config.MaxRetainedMessages)
			}
		}
	}

	now := r.now()
	if ret.StoredAt.IsZero() {
		ret.StoredAt = now
	}
	// Set expiry time if configured
	if ret.ExpiresAt == nil && r.config.MessageExpiryInterval > 0 {
		expiry := ret.StoredAt.Add(r.config.MessageExpiryInterval)
		ret.ExpiresAt = &expiry
	}

	r.log.Debug("Storing retained message", zap.String("topic", t), zap.Int("payload_size", len(ret.Payload)))
	return r.backend.Set(ctx, t, ret)
}

// Get retrieves retained messages matching the topic filter, skipping
// expired ones.
func (r *Retainer) Get(ctx context.Context, filter types.TopicFilter) (_ []types.TopicRetain, err error) {
	defer func() {
		metrics.RetainOpsTotal.WithLabelValues(r.backend.Name(), "get", metrics.Result(err)).Inc()
	}()

	if err := topic.ValidateFilter(filter); err != nil {
		return nil, err
	}
	msgs, err := r.backend.Get(ctx, filter)
	if err != nil {
		return nil, err
	}

	now := r.now()
	result := msgs[:0]
	for _, m := range msgs {
		if m.Retain.Expired(now) {
			continue
		}
		result = append(result, m)
	}
	r.log.Debug("Retrieved retained messages", zap.String("filter", filter), zap.Int("count", len(result)))
	return result, nil
}

// Cleanup removes expired retained messages and refreshes the gauge.
func (r *Retainer) Cleanup(ctx context.Context) (int, error) {
	deleted, err := r.backend.DeleteExpired(ctx, r.now())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		r.log.Info("Cleanup completed", zap.Int("deleted", deleted))
	}
	if n, err := r.backend.Count(ctx); err == nil {
		metrics.RetainedMessages.Set(float64(n))
	}
	return deleted, nil
}

// Run sweeps expired messages every cleanup interval until ctx is done. It
// is meant to run under the supervisor.
func (r *Retainer) Run(ctx context.Context) error {
	if r.config.CleanupInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	r.log.Info("Started retained message cleanup routine", zap.Duration("interval", r.config.CleanupInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Cleanup(ctx); err != nil {
				r.log.Error("Failed to clean up retained messages", zap.Error(err))
			}
		}
	}
}

// Stats returns retainer statistics
func (r *Retainer) Stats(ctx context.Context) (Stats, error) {
	n, err := r.backend.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Backend:          r.backend.Name(),
		RetainedMessages: n,
		MaxMessages:      r.config.MaxRetainedMessages,
		MaxPayloadSize:   r.config.MaxPayloadSize,
		ExpiryInterval:   r.config.MessageExpiryInterval,
	}, nil
}

// Close shuts down the retainer and its backend.
func (r *Retainer) Close() error {
	return r.backend.Close()
}
