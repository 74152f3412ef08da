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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
)

var retainedBucket = []byte("retained")

// Bolt persists retained messages in a single bolt bucket keyed by topic.
// Keys are ordered, so wildcard lookups seek to the filter's literal prefix
// instead of scanning the whole bucket.
type Bolt struct {
	db *bolt.DB
}

var _ Backend = (*Bolt)(nil)

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(retainedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create retained bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Set stores r under t, replacing any previous retain.
func (b *Bolt) Set(_ context.Context, t types.Topic, r types.Retain) error {
	data, err := json.Marshal(r)
	if err != nil {
		return storageErr("encode", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).Put([]byte(t), data)
	})
	if err != nil {
		return storageErr("set", err)
	}
	return nil
}

// Get returns the retains whose topic matches filter, in key order.
func (b *Bolt) Get(_ context.Context, filter types.TopicFilter) ([]types.TopicRetain, error) {
	var out []types.TopicRetain
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(retainedBucket)
		if !topic.HasWildcard(filter) {
			v := bucket.Get([]byte(filter))
			if v == nil {
				return nil
			}
			var r types.Retain
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, types.TopicRetain{Topic: filter, Retain: r})
			return nil
		}

		prefix := []byte(topic.LiteralPrefix(filter))
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			t := string(k)
			if !topic.Match(t, filter) {
				continue
			}
			var r types.Retain
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, types.TopicRetain{Topic: t, Retain: r})
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("get", err)
	}
	return out, nil
}

// Delete removes the retain of t.
func (b *Bolt) Delete(_ context.Context, t types.Topic) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(retainedBucket).Delete([]byte(t))
	})
	if err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// Count returns the number of keys in the bucket.
func (b *Bolt) Count(context.Context) (uint64, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(retainedBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, storageErr("count", err)
	}
	return uint64(n), nil
}

// DeleteExpired removes every retain expired at now in one transaction.
func (b *Bolt) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	deleted := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(retainedBucket)
		var expired [][]byte
		err := bucket.ForEach(func(k, v []byte) error {
			var r types.Retain
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	return deleted, nil
}

// Name returns "bolt".
func (b *Bolt) Name() string { return "bolt" }

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
