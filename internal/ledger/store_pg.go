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

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema 两张只追加的表
const pgSchema = `
CREATE TABLE IF NOT EXISTS predictions (
	seq                 BIGSERIAL PRIMARY KEY,
	id                  TEXT NOT NULL UNIQUE,
	ts                  TIMESTAMPTZ NOT NULL,
	state               JSONB,
	predicted_liquidity DOUBLE PRECISION NOT NULL,
	confidence          DOUBLE PRECISION,
	risk_level          TEXT NOT NULL,
	reasoning           TEXT NOT NULL DEFAULT '',
	metadata            JSONB
);
CREATE TABLE IF NOT EXISTS prediction_updates (
	seq              BIGSERIAL PRIMARY KEY,
	prediction_id    TEXT NOT NULL,
	actual_liquidity DOUBLE PRECISION NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);`

// PgStore PostgreSQL 实现，多进程共享账本
type PgStore struct {
	pool  *pgxpool.Pool
	owned bool
}

// NewPgStore 基于已有连接池创建；调用方负责关闭 pool
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPgStore 按 DSN 建池、探活并建表
func OpenPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse ledger dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect ledger db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	s := &PgStore{pool: pool, owned: true}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 建表（幂等）
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// AppendPrediction 实现 Store
func (s *PgStore) AppendPrediction(ctx context.Context, p Prediction) error {
	state, err := marshalNullable(p.State)
	if err != nil {
		return err
	}
	meta, err := marshalNullable(p.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO predictions (id, ts, state, predicted_liquidity, confidence, risk_level, reasoning, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Timestamp, state, p.PredictedValue, p.Confidence, p.RiskLevel, p.Reasoning, meta,
	)
	if err != nil {
		return fmt.Errorf("insert prediction %s: %w", p.ID, err)
	}
	return nil
}

// AppendUpdate 实现 Store
func (s *PgStore) AppendUpdate(ctx context.Context, u Update) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prediction_updates (prediction_id, actual_liquidity, updated_at) VALUES ($1, $2, $3)`,
		u.PredictionID, u.ActualValue, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prediction update %s: %w", u.PredictionID, err)
	}
	return nil
}

// Load 实现 Store
func (s *PgStore) Load(ctx context.Context) ([]Prediction, []Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, state, predicted_liquidity, confidence, risk_level, reasoning, metadata
		 FROM predictions ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("query predictions: %w", err)
	}
	var preds []Prediction
	for rows.Next() {
		var (
			p           Prediction
			ts          time.Time
			state, meta []byte
		)
		if err := rows.Scan(&p.ID, &ts, &state, &p.PredictedValue, &p.Confidence, &p.RiskLevel, &p.Reasoning, &meta); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.Timestamp = ts.UTC()
		if p.State, err = unmarshalNullable(state); err != nil {
			rows.Close()
			return nil, nil, err
		}
		if p.Metadata, err = unmarshalNullable(meta); err != nil {
			rows.Close()
			return nil, nil, err
		}
		preds = append(preds, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate predictions: %w", err)
	}

	urows, err := s.pool.Query(ctx,
		`SELECT prediction_id, actual_liquidity, updated_at FROM prediction_updates ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("query prediction updates: %w", err)
	}
	defer urows.Close()
	var updates []Update
	for urows.Next() {
		var u Update
		if err := urows.Scan(&u.PredictionID, &u.ActualValue, &u.UpdatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan prediction update: %w", err)
		}
		u.UpdatedAt = u.UpdatedAt.UTC()
		updates = append(updates, u)
	}
	if err := urows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate prediction updates: %w", err)
	}
	return preds, updates, nil
}

// Close 仅关闭自己创建的连接池
func (s *PgStore) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger map: %w", err)
	}
	return b, nil
}

func unmarshalNullable(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal ledger map: %w", err)
	}
	return m, nil
}
