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
	"errors"
	"fmt"
	"sort"
	"time"

	pkgerrors "senseforge/pkg/errors"
	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

var (
	// ErrNotFound 推理链不存在
	ErrNotFound = fmt.Errorf("reasoning chain %w", pkgerrors.ErrNotFound)
	// ErrExists 推理链已落盘，记录不可覆盖
	ErrExists = fmt.Errorf("reasoning chain already stored: %w", pkgerrors.ErrConflict)
)

// Record 持久化的推理链，写入后不再修改
type Record struct {
	ChainID         string         `json:"chain_id"`
	Timestamp       time.Time      `json:"timestamp"`
	Query           string         `json:"query"`
	Steps           []Step         `json:"steps"`
	FinalDecision   map[string]any `json:"final_decision"`
	TotalDurationMs float64        `json:"total_duration_ms"`
	Compliant       bool           `json:"compliant"`
	SchemaVersion   string         `json:"schema_version"`
}

// Summary 审计汇总；无记录时平均值为 nil
type Summary struct {
	TotalChains    int            `json:"total_chains"`
	AvgDurationMs  *float64       `json:"avg_duration_ms"`
	AvgSteps       *float64       `json:"avg_steps"`
	ComponentsUsed map[string]int `json:"components_used"`
	Window         time.Duration  `json:"-"`
}

// Store 推理链存储
type Store interface {
	// Save 写入新记录，ID 已存在时返回 ErrExists
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List 返回 Timestamp 不早于 since 的记录，按时间正序；since 为零值表示全部
	List(ctx context.Context, since time.Time) ([]Record, error)
}

// Option Trail 可选项
type Option func(*Trail)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// Trail 推理审计入口
type Trail struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// NewTrail 创建 Trail
func NewTrail(store Store, opts ...Option) *Trail {
	t := &Trail{store: store, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	t.logger = log.OrDefault(t.logger).With("component", "audit")
	return t
}

// StartChain 开始一条新链
func (t *Trail) StartChain(_ context.Context, query string) *Chain {
	c := newChain(query, t.now, t.logger)
	t.logger.Debug("推理链开始", "chain_id", c.id)
	return c
}

// Finalize 落盘并封存链。nil 或已封存的链只告警；存储失败时链保持打开，调用方可重试。
func (t *Trail) Finalize(ctx context.Context, c *Chain, decision map[string]any, total time.Duration) error {
	if c == nil {
		t.logger.Warn("推理链不存在，忽略 Finalize")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		t.logger.Warn("推理链已结束，忽略重复 Finalize", "chain_id", c.id)
		return nil
	}
	steps := make([]Step, len(c.steps))
	copy(steps, c.steps)
	if decision == nil {
		decision = map[string]any{}
	}
	rec := Record{
		ChainID:         c.id,
		Timestamp:       c.startedAt.UTC(),
		Query:           c.query,
		Steps:           steps,
		FinalDecision:   cloneMap(decision),
		TotalDurationMs: float64(total) / float64(time.Millisecond),
		Compliant:       true,
		SchemaVersion:   SchemaVersion,
	}
	if err := t.store.Save(ctx, rec); err != nil {
		metrics.AuditWriteFailures.Inc()
		t.logger.Error("推理链写入失败", "chain_id", c.id, "error", err)
		return fmt.Errorf("finalize chain %s: %w", c.id, err)
	}
	c.finalized = true

	metrics.ChainsFinalized.Inc()
	metrics.ChainDuration.Observe(total.Seconds())
	metrics.ChainSteps.Observe(float64(len(steps)))
	t.logger.Info("推理链已记录", "chain_id", c.id, "steps", len(steps), "duration_ms", rec.TotalDurationMs)
	return nil
}

// Get 按 ID 读取
func (t *Trail) Get(ctx context.Context, id string) (Record, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("get chain %s: %w", id, err)
	}
	return rec, nil
}

// List 列出 since 之后的记录
func (t *Trail) List(ctx context.Context, since time.Time) ([]Record, error) {
	recs, err := t.store.List(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	return recs, nil
}

// SummaryReport 汇总 window 内（<= 0 表示全部）的推理链
func (t *Trail) SummaryReport(ctx context.Context, window time.Duration) (Summary, error) {
	var since time.Time
	if window > 0 {
		since = t.now().Add(-window)
	}
	recs, err := t.List(ctx, since)
	if err != nil {
		return Summary{}, err
	}
	return summarize(recs, window), nil
}

func summarize(recs []Record, window time.Duration) Summary {
	s := Summary{TotalChains: len(recs), ComponentsUsed: map[string]int{}, Window: window}
	if len(recs) == 0 {
		return s
	}
	var durSum float64
	stepSum := 0
	for _, r := range recs {
		durSum += r.TotalDurationMs
		stepSum += len(r.Steps)
		for _, st := range r.Steps {
			s.ComponentsUsed[st.Component]++
		}
	}
	n := float64(len(recs))
	avgDur, avgSteps := durSum/n, float64(stepSum)/n
	s.AvgDurationMs, s.AvgSteps = &avgDur, &avgSteps
	return s
}

// sortRecords 按时间正序，时间相同按 ID
func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ChainID < recs[j].ChainID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}
