// Copyright 2026 fanjia1024
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

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS reasoning_chains (
	chain_id   TEXT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	record     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS reasoning_chains_ts_idx ON reasoning_chains (ts);`

// pgUniqueViolation PostgreSQL unique_violation
const pgUniqueViolation = "23505"

// PgStore PostgreSQL 实现，记录整体存为 JSONB，只插入
type PgStore struct {
	pool  *pgxpool.Pool
	owned bool
}

// NewPgStore 基于已有连接池创建
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPgStore 按 DSN 建池、探活并建表
func OpenPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse audit dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &PgStore{pool: pool, owned: true}, nil
}

// Save 实现 Store
func (s *PgStore) Save(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal chain %s: %w", rec.ChainID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reasoning_chains (chain_id, ts, record) VALUES ($1, $2, $3)`,
		rec.ChainID, rec.Timestamp, b,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrExists, rec.ChainID)
		}
		return fmt.Errorf("insert chain %s: %w", rec.ChainID, err)
	}
	return nil
}

// Get 实现 Store
func (s *PgStore) Get(ctx context.Context, id string) (Record, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM reasoning_chains WHERE chain_id = $1`, id).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("query chain %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode chain %s: %w", id, err)
	}
	return rec, nil
}

// List 实现 Store
func (s *PgStore) List(ctx context.Context, since time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM reasoning_chains WHERE ts >= $1 ORDER BY ts, chain_id`, since)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return nil, fmt.Errorf("decode chain: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close 仅关闭自己创建的连接池
func (s *PgStore) Close() {
	if s.owned {
		s.pool.Close()
	}
}
