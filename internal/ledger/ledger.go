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
	"slices"
	"sync"
	"time"

	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

// DefaultRecentLimit Recent 的默认条数
const DefaultRecentLimit = 20

// Option Ledger 可选项
type Option func(*Ledger)

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// Ledger 预测账本。写入先落存储再更新内存索引；存储失败原样返回，索引不变。
type Ledger struct {
	store  Store
	logger *log.Logger
	now    func() time.Time

	// writeMu 串行化写入，保证存储顺序与索引顺序一致
	writeMu sync.Mutex
	mu      sync.RWMutex
	byID    map[string]*Prediction
	order   []*Prediction
}

// Open 重放 store 构建内存索引：先预测，后回填；同一预测的重复回填只取第一条
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store: store,
		now:   time.Now,
		byID:  make(map[string]*Prediction),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = log.OrDefault(l.logger).With("component", "ledger")

	preds, updates, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	for i := range preds {
		p := preds[i]
		p.ActualValue, p.ActualRecordedAt = nil, nil
		if _, dup := l.byID[p.ID]; dup {
			l.logger.Warn("重放时跳过重复预测", "prediction_id", p.ID)
			continue
		}
		l.byID[p.ID] = &p
		l.order = append(l.order, &p)
	}
	for _, u := range updates {
		p, ok := l.byID[u.PredictionID]
		if !ok {
			l.logger.Warn("回填记录指向未知预测", "prediction_id", u.PredictionID)
			continue
		}
		if p.ActualValue != nil {
			l.logger.Warn("跳过重复回填", "prediction_id", u.PredictionID)
			continue
		}
		v, at := u.ActualValue, u.UpdatedAt
		p.ActualValue, p.ActualRecordedAt = &v, &at
	}
	l.logger.Info("账本已加载", "predictions", len(l.order), "updates", len(updates))
	return l, nil
}

// Record 写入一条预测并返回带 ID 的记录
func (l *Ledger) Record(ctx context.Context, in Input) (Prediction, error) {
	if err := in.validate(); err != nil {
		return Prediction{}, err
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}
	state, err := normalizeMap(in.State)
	if err != nil {
		return Prediction{}, err
	}
	meta, err := normalizeMap(in.Metadata)
	if err != nil {
		return Prediction{}, err
	}
	p := Prediction{
		ID:             newID("pred", ts),
		Timestamp:      normalizeTime(ts),
		State:          state,
		PredictedValue: in.Predicted,
		RiskLevel:      in.RiskLevel,
		Reasoning:      in.Reasoning,
		Metadata:       meta,
	}
	if p.RiskLevel == "" {
		p.RiskLevel = DefaultRiskLevel
	}
	if in.Confidence != nil {
		c := *in.Confidence
		p.Confidence = &c
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.store.AppendPrediction(ctx, p); err != nil {
		l.logger.Error("预测写入失败", "prediction_id", p.ID, "error", err)
		return Prediction{}, fmt.Errorf("record prediction: %w", err)
	}
	stored := clonePrediction(&p)
	l.mu.Lock()
	l.byID[p.ID] = &stored
	l.order = append(l.order, &stored)
	l.mu.Unlock()

	metrics.PredictionsRecorded.Inc()
	l.logger.Info("预测已记录", "prediction_id", p.ID, "predicted", p.PredictedValue, "risk_level", p.RiskLevel)
	return p, nil
}

// UpdateActual 回填实际值；原始预测记录不会被改写
func (l *Ledger) UpdateActual(ctx context.Context, id string, actual float64) error {
	if !finite(actual) {
		return fmt.Errorf("%w: actual value %v", ErrInvalidPrediction, actual)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	p, ok := l.byID[id]
	var validated bool
	var predictedAt time.Time
	if ok {
		validated = p.ActualValue != nil
		predictedAt = p.Timestamp
	}
	l.mu.RUnlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case validated:
		return fmt.Errorf("%w: %s", ErrAlreadyValidated, id)
	}

	at := normalizeTime(l.now())
	if at.Before(predictedAt) {
		return fmt.Errorf("%w: actual for %s recorded before prediction time", ErrInvalidPrediction, id)
	}
	u := Update{PredictionID: id, ActualValue: actual, UpdatedAt: at}
	if err := l.store.AppendUpdate(ctx, u); err != nil {
		l.logger.Error("回填写入失败", "prediction_id", id, "error", err)
		return fmt.Errorf("update prediction %s: %w", id, err)
	}
	l.mu.Lock()
	p.ActualValue, p.ActualRecordedAt = &actual, &at
	l.mu.Unlock()

	metrics.PredictionsValidated.Inc()
	l.logger.Info("预测已验证", "prediction_id", id, "predicted", p.PredictedValue, "actual", actual)
	return nil
}

// Get 按 ID 查询
func (l *Ledger) Get(_ context.Context, id string) (Prediction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byID[id]
	if !ok {
		return Prediction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clonePrediction(p), nil
}

// Recent 最近的预测，按记录时间倒序；limit <= 0 时取 DefaultRecentLimit
func (l *Ledger) Recent(limit int, includeUnvalidated bool) []Prediction {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Prediction, 0, min(limit, len(l.order)))
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		p := l.order[i]
		if !includeUnvalidated && p.ActualValue == nil {
			continue
		}
		out = append(out, clonePrediction(p))
	}
	return out
}

// Pending 未回填且预测时间早于 now-olderThan 的预测，按时间正序
func (l *Ledger) Pending(olderThan time.Duration) []Prediction {
	cutoff := l.now().Add(-olderThan)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Prediction
	for _, p := range l.order {
		if p.ActualValue == nil && !p.Timestamp.After(cutoff) {
			out = append(out, clonePrediction(p))
		}
	}
	slices.SortStableFunc(out, func(a, b Prediction) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// Len 预测总数
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// AccuracyStats 统计 window 内（<= 0 表示全部）已验证预测的误差，并发布到指标
func (l *Ledger) AccuracyStats(window time.Duration) Stats {
	var cutoff time.Time
	if window > 0 {
		cutoff = l.now().Add(-window)
	}
	l.mu.RLock()
	pairs := make([]Pair, 0, len(l.order))
	for _, p := range l.order {
		if p.ActualValue == nil {
			continue
		}
		if window > 0 && p.Timestamp.Before(cutoff) {
			continue
		}
		pairs = append(pairs, Pair{Predicted: p.PredictedValue, Actual: *p.ActualValue})
	}
	l.mu.RUnlock()

	st := Compute(pairs)
	st.Window = window
	publish(st)
	return st
}

// Close 关闭底层存储
func (l *Ledger) Close() error {
	return l.store.Close()
}

// normalizeMap 经 JSON 往返，保证内存中的值与重放结果一致（数字统一为 float64）
func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrediction, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrediction, err)
	}
	return out, nil
}

func publish(st Stats) {
	if st.Count == 0 {
		return
	}
	set := func(name string, v *float64) {
		if v != nil {
			metrics.PredictionAccuracy.WithLabelValues(name).Set(*v)
		}
	}
	set("mae", st.MeanAbsoluteError)
	set("rmse", st.RMSE)
	set("accuracy_pct", st.Accuracy)
	set("mape", st.MeanAbsolutePercentError)
}
