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
	"fmt"
	"time"

	"github.com/google/uuid"

	"senseforge/internal/audit"
	"senseforge/internal/ledger"
	"senseforge/internal/memory"
	"senseforge/pkg/log"
	"senseforge/pkg/tracing"
)

// Recorder 账本写入接口（*ledger.Ledger 实现）
type Recorder interface {
	Record(ctx context.Context, in ledger.Input) (ledger.Prediction, error)
}

// Query 一次风险评估请求
type Query struct {
	RequestID  string
	Text       string
	ProposalID string
	Context    string
	Metadata   map[string]any
}

// PredictionView 响应中的预测部分
type PredictionView struct {
	PredictedLiquidity float64 `json:"predicted_liquidity"`
	ChangeAmount       float64 `json:"change_amount"`
	ChangePercent      float64 `json:"change_percent"`
	Confidence         float64 `json:"confidence"`
}

// Analysis 响应中的分析部分
type Analysis struct {
	CurrentState MarketState    `json:"current_state"`
	Prediction   PredictionView `json:"prediction"`
	Risk         Strategy       `json:"risk_assessment"`
	Verification Verdict        `json:"audit_verification"`
}

// ResultMeta 响应元数据
type ResultMeta struct {
	RequestID       string  `json:"request_id"`
	ChainID         string  `json:"chain_id"`
	PredictionID    string  `json:"prediction_id"`
	EventsProcessed int     `json:"events_processed"`
	ModelVersion    string  `json:"model_version"`
	Mode            string  `json:"mode"`
	DurationMs      float64 `json:"duration_ms"`
}

// Result 流水线输出
type Result struct {
	Analysis Analysis   `json:"analysis"`
	Metadata ResultMeta `json:"metadata"`
}

// PipelineConfig 流水线依赖；Memory 可为 nil
type PipelineConfig struct {
	Analyst    *Analyst
	Model      WorldModel
	Strategist *Strategist
	Auditor    *Auditor
	Ledger     Recorder
	Trail      *audit.Trail
	Memory     memory.Store
	// Action 世界模型假设的治理动作，默认 1.0（提案通过）
	Action float64
	Mode   string
	Logger *log.Logger
}

// Pipeline Analyst -> 世界模型 -> Strategist -> Auditor，每步写入审计链。
// 账本写入失败使请求失败；记忆与审计写入失败只告警。
type Pipeline struct {
	cfg    PipelineConfig
	logger *log.Logger
}

// NewPipeline 创建流水线
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case cfg.Analyst == nil, cfg.Model == nil, cfg.Strategist == nil, cfg.Auditor == nil:
		return nil, fmt.Errorf("pipeline: analyst, model, strategist and auditor are required")
	case cfg.Ledger == nil || cfg.Trail == nil:
		return nil, fmt.Errorf("pipeline: ledger and trail are required")
	}
	if cfg.Action == 0 {
		cfg.Action = 1.0
	}
	if cfg.Mode == "" {
		cfg.Mode = "mock"
	}
	return &Pipeline{cfg: cfg, logger: log.OrDefault(cfg.Logger).With("component", "pipeline")}, nil
}

// Run 执行一次完整评估
func (p *Pipeline) Run(ctx context.Context, q Query) (Result, error) {
	start := time.Now()
	if q.RequestID == "" {
		q.RequestID = uuid.NewString()
	}
	logger := p.logger.With("request_id", q.RequestID)

	chain := p.cfg.Trail.StartChain(ctx, q.Text)
	ctx = audit.WithChain(ctx, chain)
	ctx, span := tracing.StartChainSpan(ctx, chain.ID())
	res, err := p.run(ctx, q, chain)
	tracing.EndSpan(span, err)

	total := time.Since(start)
	decision := map[string]any{}
	if err != nil {
		decision["error"] = err.Error()
	} else {
		decision = map[string]any{
			"risk_level":         res.Analysis.Risk.RiskLevel,
			"recommended_action": res.Analysis.Risk.RecommendedAction,
			"approved":           res.Analysis.Verification.Approved,
			"prediction_id":      res.Metadata.PredictionID,
		}
	}
	if ferr := p.cfg.Trail.Finalize(context.WithoutCancel(ctx), chain, decision, total); ferr != nil {
		logger.Warn("推理链写入失败，继续返回结果", "chain_id", chain.ID(), "error", ferr)
	}
	if err != nil {
		logger.Error("评估失败", "chain_id", chain.ID(), "error", err)
		return Result{}, err
	}

	res.Metadata.RequestID = q.RequestID
	res.Metadata.ChainID = chain.ID()
	res.Metadata.DurationMs = float64(total) / float64(time.Millisecond)
	logger.Info("评估完成", "chain_id", chain.ID(), "risk_level", res.Analysis.Risk.RiskLevel,
		"approved", res.Analysis.Verification.Approved, "duration_ms", res.Metadata.DurationMs)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, q Query, chain *audit.Chain) (Result, error) {
	// 1. Analyst
	stepStart := time.Now()
	sctx, span := tracing.StartStageSpan(ctx, "analyst")
	obs, err := p.cfg.Analyst.Observe(sctx, q.ProposalID)
	tracing.EndSpan(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("analyst: %w", err)
	}
	current := obs.State
	one := 1.0
	chain.LogStep(audit.StepInput{
		Component:  "Analyst",
		Input:      map[string]any{"events_count": len(obs.Events), "proposals_count": len(obs.Proposals)},
		Output:     current.Map(),
		Reasoning:  fmt.Sprintf("Normalized %d liquidity events into market state", len(obs.Events)),
		Confidence: &one,
		Duration:   time.Since(stepStart),
	})

	// 2. 世界模型
	stepStart = time.Now()
	sctx, span = tracing.StartStageSpan(ctx, "world_model")
	predicted, err := p.cfg.Model.Predict(sctx, current, p.cfg.Action)
	tracing.EndSpan(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("world model: %w", err)
	}
	modelConf := p.cfg.Model.Confidence()
	chain.LogStep(audit.StepInput{
		Component: "Brain",
		Input:     map[string]any{"state": current.Map(), "action": p.cfg.Action},
		Output:    map[string]any{"predicted_liquidity": predicted.LiquidityDepth},
		Reasoning: fmt.Sprintf("World model predicted liquidity change from $%.0f to $%.0f",
			current.LiquidityDepth, predicted.LiquidityDepth),
		Confidence: &modelConf,
		Duration:   time.Since(stepStart),
	})

	// 3. Strategist
	stepStart = time.Now()
	sctx, span = tracing.StartStageSpan(ctx, "strategist")
	strategy, err := p.cfg.Strategist.Analyze(sctx, current, predicted)
	tracing.EndSpan(span, err)
	if err != nil {
		return Result{}, fmt.Errorf("strategist: %w", err)
	}
	stConf := strategy.Confidence
	chain.LogStep(audit.StepInput{
		Component:  "Strategist",
		Input:      map[string]any{"current_liquidity": current.LiquidityDepth, "predicted_liquidity": predicted.LiquidityDepth},
		Output:     strategy.Map(),
		Reasoning:  strategy.Reasoning,
		Confidence: &stConf,
		Duration:   time.Since(stepStart),
	})

	// 4. Auditor
	stepStart = time.Now()
	verdict := p.cfg.Auditor.Validate(strategy)
	chain.LogStep(audit.StepInput{
		Component:  "Auditor",
		Input:      strategy.Map(),
		Output:     verdict.Map(),
		Reasoning:  verdict.Reason,
		Confidence: &one,
		Duration:   time.Since(stepStart),
	})

	// 账本写入失败即请求失败
	pred, err := p.cfg.Ledger.Record(ctx, ledger.Input{
		Timestamp:  current.Timestamp,
		State:      current.Map(),
		Predicted:  predicted.LiquidityDepth,
		Confidence: &modelConf,
		RiskLevel:  strategy.RiskLevel,
		Reasoning:  strategy.Reasoning,
		Metadata: map[string]any{
			"request_id":  q.RequestID,
			"chain_id":    chain.ID(),
			"proposal_id": q.ProposalID,
			"approved":    verdict.Approved,
			"fallback":    strategy.Fallback,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %w", err)
	}

	if p.cfg.Memory != nil {
		ep := memory.Episode{
			State:     current.Map(),
			Action:    strategy.RecommendedAction,
			Outcome:   map[string]any{"predicted_liquidity": predicted.LiquidityDepth, "risk_level": strategy.RiskLevel},
			Timestamp: current.Timestamp,
		}
		if err := p.cfg.Memory.StoreEpisode(ctx, ep); err != nil {
			p.logger.Warn("情景记忆写入失败", "request_id", q.RequestID, "error", err)
		}
	}

	return Result{
		Analysis: Analysis{
			CurrentState: current,
			Prediction: PredictionView{
				PredictedLiquidity: predicted.LiquidityDepth,
				ChangeAmount:       predicted.LiquidityDepth - current.LiquidityDepth,
				ChangePercent:      changePercent(current.LiquidityDepth, predicted.LiquidityDepth),
				Confidence:         modelConf,
			},
			Risk:         strategy,
			Verification: verdict,
		},
		Metadata: ResultMeta{
			PredictionID:    pred.ID,
			EventsProcessed: len(obs.Events),
			ModelVersion:    p.cfg.Model.Version(),
			Mode:            p.cfg.Mode,
		},
	}, nil
}
