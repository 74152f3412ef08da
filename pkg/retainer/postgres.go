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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/turtacn/emqx-core/pkg/topic"
	"github.com/turtacn/emqx-core/pkg/types"
)

const (
	createRetainedTable = `CREATE TABLE IF NOT EXISTS mqtt_retained (
	topic       TEXT PRIMARY KEY,
	payload     BYTEA NOT NULL,
	qos         SMALLINT NOT NULL,
	from_node   TEXT NOT NULL,
	from_client TEXT NOT NULL,
	headers     JSONB,
	stored_at   TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ
)`

	upsertRetained = `INSERT INTO mqtt_retained (topic, payload, qos, from_node, from_client, headers, stored_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (topic) DO UPDATE SET payload = EXCLUDED.payload, qos = EXCLUDED.qos,
	from_node = EXCLUDED.from_node, from_client = EXCLUDED.from_client, headers = EXCLUDED.headers,
	stored_at = EXCLUDED.stored_at, expires_at = EXCLUDED.expires_at`

	selectRetainedColumns = `SELECT topic, payload, qos, from_node, from_client, headers, stored_at, expires_at FROM mqtt_retained`
	selectRetainedExact   = selectRetainedColumns + ` WHERE topic = $1`
	selectRetainedPrefix  = selectRetainedColumns + ` WHERE topic LIKE $1 ESCAPE '\' ORDER BY topic`
	deleteRetained        = `DELETE FROM mqtt_retained WHERE topic = $1`
	countRetained         = `SELECT COUNT(*) FROM mqtt_retained`
	deleteExpiredRetained = `DELETE FROM mqtt_retained WHERE expires_at IS NOT NULL AND expires_at < $1`
)

// Postgres stores retained messages in a PostgreSQL table. Wildcard lookups
// narrow the scan with a LIKE on the filter's literal prefix and then apply
// the exact matching rules in Go.
type Postgres struct {
	db *sql.DB
}

var _ Backend = (*Postgres)(nil)

// OpenPostgres connects to dsn and makes sure the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	p := NewPostgres(db)
	if err := p.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Init creates the retained table if needed.
func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createRetainedTable); err != nil {
		return storageErr("create table", err)
	}
	return nil
}

// Set upserts r under t.
func (p *Postgres) Set(ctx context.Context, t types.Topic, r types.Retain) error {
	var headers []byte
	if len(r.Headers) > 0 {
		var err error
		if headers, err = json.Marshal(r.Headers); err != nil {
			return storageErr("encode headers", err)
		}
	}
	var expires sql.NullTime
	if r.ExpiresAt != nil {
		expires = sql.NullTime{Time: *r.ExpiresAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, upsertRetained,
		t, r.Payload, int64(r.QoS), r.From.Node, r.From.Client, headers, r.StoredAt, expires)
	if err != nil {
		return storageErr("set", err)
	}
	return nil
}

// Get returns the retains whose topic matches filter, ordered by topic.
func (p *Postgres) Get(ctx context.Context, filter types.TopicFilter) ([]types.TopicRetain, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if topic.HasWildcard(filter) {
		rows, err = p.db.QueryContext(ctx, selectRetainedPrefix, likePrefix(topic.LiteralPrefix(filter)))
	} else {
		rows, err = p.db.QueryContext(ctx, selectRetainedExact, filter)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	defer rows.Close()

	var out []types.TopicRetain
	for rows.Next() {
		tr, err := scanRetain(rows)
		if err != nil {
			return nil, storageErr("scan", err)
		}
		if topic.Match(tr.Topic, filter) {
			out = append(out, tr)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get", err)
	}
	return out, nil
}

func scanRetain(rows *sql.Rows) (types.TopicRetain, error) {
	var (
		tr      types.TopicRetain
		qos     int64
		headers []byte
		expires sql.NullTime
	)
	err := rows.Scan(&tr.Topic, &tr.Retain.Payload, &qos, &tr.Retain.From.Node, &tr.Retain.From.Client,
		&headers, &tr.Retain.StoredAt, &expires)
	if err != nil {
		return tr, err
	}
	tr.Retain.QoS = types.QoS(qos)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &tr.Retain.Headers); err != nil {
			return tr, err
		}
	}
	if expires.Valid {
		at := expires.Time
		tr.Retain.ExpiresAt = &at
	}
	return tr, nil
}

// likePrefix escapes LIKE metacharacters in prefix and appends the wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

// Delete removes the retain of t.
func (p *Postgres) Delete(ctx context.Context, t types.Topic) error {
	if _, err := p.db.ExecContext(ctx, deleteRetained, t); err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// Count returns the number of rows in the table.
func (p *Postgres) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, countRetained).Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return uint64(n), nil
}

// DeleteExpired removes expired rows with a single statement.
func (p *Postgres) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, deleteExpiredRetained, now)
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete expired", err)
	}
	return int(n), nil
}

// Name returns "postgres".
func (p *Postgres) Name() string { return "postgres" }

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
