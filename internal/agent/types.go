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

// Package agent 风险评估流水线：Analyst 归一化链上事件，世界模型预测，
// Strategist 给出风险判断（LLM 失败时规则兜底），Auditor 校验动作。
package agent

import "time"

// 事件类型
const (
	EventStake   = "STAKE"
	EventUnstake = "UNSTAKE"
	EventSwap    = "SWAP"
)

// 风险等级
const (
	RiskSafe     = "SAFE"
	RiskWarning  = "WARNING"
	RiskCritical = "CRITICAL"
)

// 建议动作
const (
	ActionMonitor       = "MONITOR"
	ActionAlertTreasury = "ALERT_DAO_TREASURY"
	ActionBlockProposal = "BLOCK_PROPOSAL"
)

// LiquidityEvent 链上流动性事件
type LiquidityEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	PoolID      string    `json:"pool_id"`
	TokenSymbol string    `json:"token_symbol"`
	Amount      float64   `json:"amount"`
	EventType   string    `json:"event_type"`
	TxHash      string    `json:"tx_hash"`
}

// Proposal 治理提案
type Proposal struct {
	ID          string `json:"proposal_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Proposer    string `json:"proposer"`
	Status      string `json:"status"`
}

// MarketState 归一化后的市场状态
type MarketState struct {
	LiquidityDepth      float64   `json:"liquidity_depth"`
	VolatilityIndex     float64   `json:"volatility_index"`
	GovernanceRiskScore float64   `json:"governance_risk_score"`
	Timestamp           time.Time `json:"timestamp"`
}

// Map 转为 map，供审计与账本使用
func (s MarketState) Map() map[string]any {
	return map[string]any{
		"liquidity_depth":       s.LiquidityDepth,
		"volatility_index":      s.VolatilityIndex,
		"governance_risk_score": s.GovernanceRiskScore,
		"timestamp":             s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Strategy Strategist 的风险判断
type Strategy struct {
	RiskLevel         string  `json:"risk_level"`
	RecommendedAction string  `json:"recommended_action"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
	Method            string  `json:"method"` // llm | rule_based
	Fallback          bool    `json:"fallback"`
}

// Map 转为 map
func (s Strategy) Map() map[string]any {
	return map[string]any{
		"risk_level":         s.RiskLevel,
		"recommended_action": s.RecommendedAction,
		"reasoning":          s.Reasoning,
		"confidence":         s.Confidence,
		"method":             s.Method,
		"fallback":           s.Fallback,
	}
}

// Verdict Auditor 的校验结果
type Verdict struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"auditor_comments"`
	Timestamp time.Time `json:"timestamp"`
}

// Map 转为 map
func (v Verdict) Map() map[string]any {
	return map[string]any{
		"approved":         v.Approved,
		"auditor_comments": v.Reason,
		"timestamp":        v.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// changePercent 预测相对当前流动性的变化百分比；当前流动性非正时为 0
func changePercent(current, predicted float64) float64 {
	if current <= 0 {
		return 0
	}
	return (predicted - current) / current * 100
}
