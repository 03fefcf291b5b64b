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
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"senseforge/pkg/log"
)

const (
	// BaseLiquidity 无解押时的基准流动性
	BaseLiquidity = 10_000_000.0
	// riskProposalWeight 每个标题含 "Risk" 的提案贡献的治理风险
	riskProposalWeight = 0.2
)

// EventSource 链上数据源
type EventSource interface {
	// Events 返回最近至多 n 条流动性事件
	Events(ctx context.Context, n int) ([]LiquidityEvent, error)
	// Proposals 返回与 proposalID 相关的活跃提案；proposalID 为空时返回全部活跃提案
	Proposals(ctx context.Context, proposalID string) ([]Proposal, error)
}

// MockSource 合成数据源；解押金额放大 1.5 倍以模拟风险
type MockSource struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewMockSource 以 seed 创建可复现的数据源
func NewMockSource(seed int64) *MockSource {
	return &MockSource{
		rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5eed)),
		now: time.Now,
	}
}

// Events 实现 EventSource
func (s *MockSource) Events(ctx context.Context, n int) ([]LiquidityEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	types := []string{EventStake, EventUnstake, EventSwap}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LiquidityEvent, 0, n)
	for i := 0; i < n; i++ {
		typ := types[s.rng.IntN(len(types))]
		amount := 1000 + s.rng.Float64()*(1_000_000-1000)
		if typ == EventUnstake {
			amount *= 1.5
		}
		out = append(out, LiquidityEvent{
			Timestamp:   s.now().UTC(),
			PoolID:      "0x123...abc",
			TokenSymbol: "ETH",
			Amount:      amount,
			EventType:   typ,
			TxHash:      fmt.Sprintf("0x%016x", s.rng.Uint64()),
		})
	}
	return out, nil
}

// Proposals 实现 EventSource；只在指定提案时返回一条风险参数提案
func (s *MockSource) Proposals(ctx context.Context, proposalID string) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if proposalID == "" {
		return nil, nil
	}
	return []Proposal{{
		ID:          proposalID,
		Title:       "Increase Risk Parameters",
		Description: "Proposal to increase the debt ceiling",
		Proposer:    "0xDao...Member",
		Status:      "ACTIVE",
	}}, nil
}

// NormalizeState 把原始事件折算为市场状态：
// 深度 = 基准 - 解押总额，波动 = 0.5 + 解押总额/基准，治理风险 = 0.2 * 风险提案数
func NormalizeState(events []LiquidityEvent, proposals []Proposal, at time.Time) MarketState {
	var unstake float64
	for _, e := range events {
		if e.EventType == EventUnstake {
			unstake += e.Amount
		}
	}
	risky := 0
	for _, p := range proposals {
		if strings.Contains(p.Title, "Risk") {
			risky++
		}
	}
	return MarketState{
		LiquidityDepth:      BaseLiquidity - unstake,
		VolatilityIndex:     0.5 + unstake/BaseLiquidity,
		GovernanceRiskScore: float64(risky) * riskProposalWeight,
		Timestamp:           at.UTC(),
	}
}

// Observation Analyst 一次观测的结果
type Observation struct {
	State     MarketState
	Events    []LiquidityEvent
	Proposals []Proposal
}

// Analyst 采集并归一化市场数据
type Analyst struct {
	source  EventSource
	batch   int
	timeout time.Duration
	logger  *log.Logger
}

// NewAnalyst 创建 Analyst；batch 为每次采集的事件数，timeout 为采集超时
func NewAnalyst(source EventSource, batch int, timeout time.Duration, logger *log.Logger) *Analyst {
	if batch <= 0 {
		batch = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Analyst{source: source, batch: batch, timeout: timeout, logger: log.OrDefault(logger)}
}

// Observe 采集事件与提案；事件采集超时按已得到的（空）结果继续
func (a *Analyst) Observe(ctx context.Context, proposalID string) (Observation, error) {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	events, err := a.source.Events(cctx, a.batch)
	if err != nil {
		if ctx.Err() != nil {
			return Observation{}, ctx.Err()
		}
		a.logger.Warn("事件采集失败，按空事件继续", "error", err)
		events = nil
	}
	proposals, err := a.source.Proposals(ctx, proposalID)
	if err != nil {
		if ctx.Err() != nil {
			return Observation{}, ctx.Err()
		}
		a.logger.Warn("提案采集失败，按无提案继续", "error", err)
		proposals = nil
	}
	return Observation{
		State:     NormalizeState(events, proposals, time.Now()),
		Events:    events,
		Proposals: proposals,
	}, nil
}
