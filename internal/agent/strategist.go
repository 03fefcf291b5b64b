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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"senseforge/internal/model/llm"
	"senseforge/pkg/log"
)

const riskAnalysisPrompt = `You are an institutional risk analyst for DeFi protocols.

Current Market State:
- Liquidity Depth: $%.0f
- Volatility Index: %.2f
- Governance Risk Score: %.2f

World Model Prediction:
- Predicted Liquidity (if proposal passes): $%.0f
- Change: %.1f%%

Your task: Analyze the risk and provide a clear recommendation.

Respond in JSON format:
{
  "risk_level": "SAFE" | "WARNING" | "CRITICAL",
  "recommended_action": "MONITOR" | "ALERT_DAO_TREASURY" | "BLOCK_PROPOSAL",
  "reasoning": "2-3 sentence explanation",
  "confidence": 0.0-1.0
}`

// Thresholds 规则判断的跌幅阈值（百分比，正数）
type Thresholds struct {
	CriticalDropPct float64
	WarningDropPct  float64
}

// DefaultThresholds 跌幅超过 10% 为 CRITICAL，超过 5% 为 WARNING
func DefaultThresholds() Thresholds {
	return Thresholds{CriticalDropPct: 10, WarningDropPct: 5}
}

var errBadLLMResponse = errors.New("llm response is not a valid strategy")

// Strategist 给出风险判断。llm 为 nil 时只用规则；LLM 任何失败都回落到规则并标记 Fallback。
type Strategist struct {
	llm        llm.Client
	thresholds Thresholds
	logger     *log.Logger
}

// NewStrategist 创建 Strategist
func NewStrategist(client llm.Client, th Thresholds, logger *log.Logger) *Strategist {
	if th.CriticalDropPct <= 0 || th.WarningDropPct <= 0 {
		th = DefaultThresholds()
	}
	return &Strategist{llm: client, thresholds: th, logger: log.OrDefault(logger)}
}

// Analyze 评估从 current 到 predicted 的风险；ctx 结束时返回错误，其余失败走规则兜底
func (s *Strategist) Analyze(ctx context.Context, current, predicted MarketState) (Strategy, error) {
	if s.llm == nil {
		st := s.rules(current, predicted)
		st.Confidence = 0.8
		return st, nil
	}
	st, err := s.ask(ctx, current, predicted)
	if err == nil {
		return st, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Strategy{}, ctxErr
	}
	s.logger.Warn("LLM 分析失败，回落到规则", "error", err)
	st = s.rules(current, predicted)
	st.Fallback = true
	return st, nil
}

func (s *Strategist) ask(ctx context.Context, current, predicted MarketState) (Strategy, error) {
	prompt := fmt.Sprintf(riskAnalysisPrompt,
		current.LiquidityDepth, current.VolatilityIndex, current.GovernanceRiskScore,
		predicted.LiquidityDepth, changePercent(current.LiquidityDepth, predicted.LiquidityDepth))
	text, err := s.llm.Complete(ctx, prompt, llm.CompletionOptions{Temperature: llm.Temperature(0.3)})
	if err != nil {
		return Strategy{}, err
	}
	st, err := parseStrategy(text)
	if err != nil {
		return Strategy{}, err
	}
	st.Method = "llm"
	s.logger.Info("LLM 风险判断", "risk_level", st.RiskLevel, "action", st.RecommendedAction)
	return st, nil
}

// parseStrategy 从补全文本中取出第一个 JSON 对象并校验取值
func parseStrategy(text string) (Strategy, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return Strategy{}, fmt.Errorf("%w: no json object", errBadLLMResponse)
	}
	var raw struct {
		RiskLevel         string   `json:"risk_level"`
		RecommendedAction string   `json:"recommended_action"`
		Reasoning         string   `json:"reasoning"`
		Confidence        *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Strategy{}, fmt.Errorf("%w: %v", errBadLLMResponse, err)
	}
	st := Strategy{
		RiskLevel:         strings.ToUpper(strings.TrimSpace(raw.RiskLevel)),
		RecommendedAction: strings.ToUpper(strings.TrimSpace(raw.RecommendedAction)),
		Reasoning:         raw.Reasoning,
		Confidence:        0.5,
	}
	if !validRisk(st.RiskLevel) || !validAction(st.RecommendedAction) {
		return Strategy{}, fmt.Errorf("%w: risk=%q action=%q", errBadLLMResponse, raw.RiskLevel, raw.RecommendedAction)
	}
	if raw.Confidence != nil {
		c := *raw.Confidence
		if c < 0 || c > 1 {
			return Strategy{}, fmt.Errorf("%w: confidence %v", errBadLLMResponse, c)
		}
		st.Confidence = c
	}
	return st, nil
}

// rules 基于跌幅的规则判断
func (s *Strategist) rules(current, predicted MarketState) Strategy {
	change := changePercent(current.LiquidityDepth, predicted.LiquidityDepth)
	st := Strategy{Method: "rule_based", Confidence: 0.7}
	switch {
	case change < -s.thresholds.CriticalDropPct:
		st.RiskLevel, st.RecommendedAction = RiskCritical, ActionAlertTreasury
		st.Reasoning = fmt.Sprintf("Predicted liquidity drop of %.1f%% exceeds critical threshold.", -change)
	case change < -s.thresholds.WarningDropPct:
		st.RiskLevel, st.RecommendedAction = RiskWarning, ActionMonitor
		st.Reasoning = fmt.Sprintf("Moderate liquidity drop of %.1f%% detected.", -change)
	default:
		st.RiskLevel, st.RecommendedAction = RiskSafe, ActionMonitor
		st.Reasoning = "Market conditions are stable."
	}
	return st
}

func validRisk(s string) bool {
	return s == RiskSafe || s == RiskWarning || s == RiskCritical
}

func validAction(s string) bool {
	return s == ActionMonitor || s == ActionAlertTreasury || s == ActionBlockProposal
}
