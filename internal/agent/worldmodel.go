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
	"math"
)

// WorldModel 预测在给定治理动作下的下一市场状态
type WorldModel interface {
	Predict(ctx context.Context, current MarketState, action float64) (MarketState, error)
	// Confidence 预测置信度
	Confidence() float64
	// Version 模型版本
	Version() string
}

// LinearModel 确定性的线性替身模型：
// 预测深度 = 深度 * (1 - action*(GovernanceWeight*治理风险 + VolatilityWeight*(波动-0.5)))
type LinearModel struct {
	GovernanceWeight float64
	VolatilityWeight float64
}

// NewLinearModel 默认权重：治理 0.5，波动 0.2
func NewLinearModel() *LinearModel {
	return &LinearModel{GovernanceWeight: 0.5, VolatilityWeight: 0.2}
}

// Predict 实现 WorldModel
func (m *LinearModel) Predict(ctx context.Context, current MarketState, action float64) (MarketState, error) {
	if err := ctx.Err(); err != nil {
		return MarketState{}, err
	}
	if math.IsNaN(action) || math.IsInf(action, 0) {
		return MarketState{}, fmt.Errorf("invalid action %v", action)
	}
	shock := action * (m.GovernanceWeight*current.GovernanceRiskScore + m.VolatilityWeight*(current.VolatilityIndex-0.5))
	next := current
	next.LiquidityDepth = current.LiquidityDepth * (1 - shock)
	next.VolatilityIndex = current.VolatilityIndex + math.Max(shock, 0)*0.5
	return next, nil
}

// Confidence 实现 WorldModel
func (m *LinearModel) Confidence() float64 { return 0.70 }

// Version 实现 WorldModel
func (m *LinearModel) Version() string { return "linear_v1" }
