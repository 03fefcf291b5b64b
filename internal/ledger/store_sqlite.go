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
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS predictions (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	id                  TEXT NOT NULL UNIQUE,
	ts_micros           INTEGER NOT NULL,
	state               TEXT,
	predicted_liquidity REAL NOT NULL,
	confidence          REAL,
	risk_level          TEXT NOT NULL,
	reasoning           TEXT NOT NULL DEFAULT '',
	metadata            TEXT
);
CREATE TABLE IF NOT EXISTS prediction_updates (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	prediction_id      TEXT NOT NULL,
	actual_liquidity   REAL NOT NULL,
	updated_at_micros  INTEGER NOT NULL
);`

// SQLiteStore 嵌入式单机部署与 CLI 使用的 SQLite 实现
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore 打开 path 处的数据库并建表；path 为 ":memory:" 时使用内存库
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接：:memory: 库按连接隔离，且写入串行
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendPrediction 实现 Store
func (s *SQLiteStore) AppendPrediction(ctx context.Context, p Prediction) error {
	state, err := marshalNullable(p.State)
	if err != nil {
		return err
	}
	meta, err := marshalNullable(p.Metadata)
	if err != nil {
		return err
	}
	var confidence sql.NullFloat64
	if p.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *p.Confidence, Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, ts_micros, state, predicted_liquidity, confidence, risk_level, reasoning, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Timestamp.UnixMicro(), nullText(state), p.PredictedValue, confidence, p.RiskLevel, p.Reasoning, nullText(meta),
	)
	if err != nil {
		return fmt.Errorf("insert prediction %s: %w", p.ID, err)
	}
	return nil
}

// AppendUpdate 实现 Store
func (s *SQLiteStore) AppendUpdate(ctx context.Context, u Update) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_updates (prediction_id, actual_liquidity, updated_at_micros) VALUES (?, ?, ?)`,
		u.PredictionID, u.ActualValue, u.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert prediction update %s: %w", u.PredictionID, err)
	}
	return nil
}

// Load 实现 Store
func (s *SQLiteStore) Load(ctx context.Context) ([]Prediction, []Update, error) {
	preds, err := s.loadPredictions(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT prediction_id, actual_liquidity, updated_at_micros FROM prediction_updates ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("query prediction updates: %w", err)
	}
	defer rows.Close()
	var updates []Update
	for rows.Next() {
		var (
			u      Update
			micros int64
		)
		if err := rows.Scan(&u.PredictionID, &u.ActualValue, &micros); err != nil {
			return nil, nil, fmt.Errorf("scan prediction update: %w", err)
		}
		u.UpdatedAt = time.UnixMicro(micros).UTC()
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate prediction updates: %w", err)
	}
	return preds, updates, nil
}

func (s *SQLiteStore) loadPredictions(ctx context.Context) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts_micros, state, predicted_liquidity, confidence, risk_level, reasoning, metadata
		 FROM predictions ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()
	var preds []Prediction
	for rows.Next() {
		var (
			p           Prediction
			micros      int64
			state, meta sql.NullString
			confidence  sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &micros, &state, &p.PredictedValue, &confidence, &p.RiskLevel, &p.Reasoning, &meta); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.Timestamp = time.UnixMicro(micros).UTC()
		if confidence.Valid {
			c := confidence.Float64
			p.Confidence = &c
		}
		if p.State, err = unmarshalNullable([]byte(state.String)); err != nil {
			return nil, err
		}
		if p.Metadata, err = unmarshalNullable([]byte(meta.String)); err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate predictions: %w", err)
	}
	return preds, nil
}

// Close 实现 Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
