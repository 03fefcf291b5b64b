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

// Package ledger 预测账本：只追加地记录每次流动性预测，事后回填实际值并统计预测精度。
package ledger

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	pkgerrors "senseforge/pkg/errors"
)

// DefaultRiskLevel 未给出风险等级时的取值
const DefaultRiskLevel = "UNKNOWN"

var (
	// ErrNotFound 预测不存在
	ErrNotFound = fmt.Errorf("prediction %w", pkgerrors.ErrNotFound)
	// ErrAlreadyValidated 预测已回填过实际值
	ErrAlreadyValidated = fmt.Errorf("prediction already validated: %w", pkgerrors.ErrConflict)
	// ErrInvalidPrediction 数值非法（NaN/Inf、置信度越界、实际值早于预测）
	ErrInvalidPrediction = fmt.Errorf("invalid prediction: %w", pkgerrors.ErrInvalidArg)
)

// Prediction 一条预测记录。持久化的原始记录中 actual_liquidity 始终为 null，
// 实际值以独立的 Update 记录追加，重放时合并。
type Prediction struct {
	ID               string         `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	State            map[string]any `json:"state,omitempty"`
	PredictedValue   float64        `json:"predicted_liquidity"`
	ActualValue      *float64       `json:"actual_liquidity"`
	ActualRecordedAt *time.Time     `json:"actual_recorded_at,omitempty"`
	Confidence       *float64       `json:"confidence,omitempty"`
	RiskLevel        string         `json:"risk_level"`
	Reasoning        string         `json:"reasoning,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Validated 是否已有实际值
func (p Prediction) Validated() bool { return p.ActualValue != nil }

// Update 实际值回填记录
type Update struct {
	PredictionID string    `json:"prediction_id"`
	ActualValue  float64   `json:"actual_liquidity"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Input Record 的入参；Timestamp 为零值时取当前时间
type Input struct {
	Timestamp  time.Time
	State      map[string]any
	Predicted  float64
	Confidence *float64
	RiskLevel  string
	Reasoning  string
	Metadata   map[string]any
}

func (in Input) validate() error {
	if !finite(in.Predicted) {
		return fmt.Errorf("%w: predicted value %v", ErrInvalidPrediction, in.Predicted)
	}
	if in.Confidence != nil {
		c := *in.Confidence
		if !finite(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidPrediction, c)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// newID 生成 pred_YYYYMMDD_HHMMSS_ffffff_xxxxxx 形式的 ID
func newID(prefix string, t time.Time) string {
	t = t.UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%06d_%s", prefix, t.Format("20060102_150405"), t.Nanosecond()/1000, suffix)
}

// normalizeTime 统一为 UTC 并截断到微秒，各存储后端读回后保持一致
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func clonePrediction(p *Prediction) Prediction {
	out := *p
	if p.ActualValue != nil {
		v := *p.ActualValue
		out.ActualValue = &v
	}
	if p.ActualRecordedAt != nil {
		t := *p.ActualRecordedAt
		out.ActualRecordedAt = &t
	}
	if p.Confidence != nil {
		c := *p.Confidence
		out.Confidence = &c
	}
	out.State = cloneMap(p.State)
	out.Metadata = cloneMap(p.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// IsNotFound 便于上层判断
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
