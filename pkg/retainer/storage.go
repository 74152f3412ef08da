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
	"fmt"
	"sort"
	"time"

	"github.com/turtacn/emqx-core/pkg/config"
	"github.com/turtacn/emqx-core/pkg/types"
)

// Storage is the retained-message access contract used by the broker. A
// topic holds at most one Retain; Set overwrites.
type Storage interface {
	// Set stores or overwrites the retain for an exact topic.
	Set(ctx context.Context, t types.Topic, r types.Retain) error
	// Get returns every stored retain whose topic matches filter.
	Get(ctx context.Context, filter types.TopicFilter) ([]types.TopicRetain, error)
}

// Backend is a Storage engine the Retainer can manage.
type Backend interface {
	Storage
	// Delete removes the retain of topic t, if any.
	Delete(ctx context.Context, t types.Topic) error
	// Count returns the number of stored retains.
	Count(ctx context.Context) (uint64, error)
	// DeleteExpired removes every retain that expired before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// Name identifies the backend in logs and metrics.
	Name() string
	Close() error
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", types.ErrStorageFailure, op, err)
}

func sortByTopic(out []types.TopicRetain) {
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
}

// Open creates the backend selected by cfg.
func Open(ctx context.Context, cfg config.RetainConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "bolt":
		return OpenBolt(cfg.BoltPath)
	case "postgres":
		return OpenPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported retain backend: %s", cfg.Backend)
	}
}
