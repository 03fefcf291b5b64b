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

// Package memory 情景记忆：把 状态 -> 动作 -> 结果 存入 Letta 归档记忆并按语义检索。
package memory

import (
	"context"
	"fmt"
	"time"
)

// Episode 一次决策情景
type Episode struct {
	State     map[string]any `json:"state"`
	Action    string         `json:"action"`
	Outcome   map[string]any `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store 情景记忆接口
type Store interface {
	StoreEpisode(ctx context.Context, ep Episode) error
	// Search 返回与 state 相似的情景，最多 limit 条
	Search(ctx context.Context, state map[string]any, limit int) ([]Episode, error)
}

// Stats 记忆统计
type Stats struct {
	Mode          string `json:"mode"`
	TotalEpisodes *int   `json:"total_episodes,omitempty"`
}

// FormatEpisode 情景的文本表示，供向量检索
func FormatEpisode(ep Episode) string {
	return fmt.Sprintf(
		"Market state: liquidity_depth=%.0f, volatility=%.2f, risk=%.2f. Action: %s. Outcome: predicted_liquidity=%.0f",
		num(ep.State, "liquidity_depth"), num(ep.State, "volatility_index"), num(ep.State, "governance_risk_score"),
		ep.Action, num(ep.Outcome, "predicted_liquidity"),
	)
}

// FormatQuery 当前状态的检索文本
func FormatQuery(state map[string]any) string {
	return fmt.Sprintf("Market with liquidity %.0f, volatility %.2f, risk %.2f",
		num(state, "liquidity_depth"), num(state, "volatility_index"), num(state, "governance_risk_score"))
}

func num(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
