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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource 固定返回给定事件与提案
type stubSource struct {
	events    []LiquidityEvent
	proposals []Proposal
	eventsErr error
}

func (s *stubSource) Events(ctx context.Context, n int) ([]LiquidityEvent, error) {
	if s.eventsErr != nil {
		return nil, s.eventsErr
	}
	if n < len(s.events) {
		return s.events[:n], nil
	}
	return s.events, nil
}

func (s *stubSource) Proposals(ctx context.Context, proposalID string) ([]Proposal, error) {
	return s.proposals, nil
}

func TestNormalizeState(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CST", 8*3600))
	events := []LiquidityEvent{
		{EventType: EventUnstake, Amount: 600_000},
		{EventType: EventStake, Amount: 500},
		{EventType: EventUnstake, Amount: 400_000},
		{EventType: EventSwap, Amount: 20_000},
	}
	proposals := []Proposal{{Title: "Increase Risk Parameters"}, {Title: "Treasury grant"}}

	st := NormalizeState(events, proposals, at)
	assert.InDelta(t, 9_000_000, st.LiquidityDepth, 1e-6)
	assert.InDelta(t, 0.6, st.VolatilityIndex, 1e-9)
	assert.InDelta(t, 0.2, st.GovernanceRiskScore, 1e-9)
	assert.Equal(t, time.UTC, st.Timestamp.Location())

	empty := NormalizeState(nil, nil, at)
	assert.Equal(t, BaseLiquidity, empty.LiquidityDepth)
	assert.Equal(t, 0.5, empty.VolatilityIndex)
	assert.Zero(t, empty.GovernanceRiskScore)
}

func TestMockSource_Deterministic(t *testing.T) {
	ctx := context.Background()
	a, err := NewMockSource(42).Events(ctx, 20)
	require.NoError(t, err)
	b, err := NewMockSource(42).Events(ctx, 20)
	require.NoError(t, err)
	require.Len(t, a, 20)
	for i := range a {
		assert.Equal(t, a[i].EventType, b[i].EventType)
		assert.Equal(t, a[i].Amount, b[i].Amount)
		assert.Equal(t, a[i].TxHash, b[i].TxHash)
		switch a[i].EventType {
		case EventUnstake:
			assert.GreaterOrEqual(t, a[i].Amount, 1500.0)
			assert.Less(t, a[i].Amount, 1_500_000.0)
		default:
			assert.GreaterOrEqual(t, a[i].Amount, 1000.0)
			assert.Less(t, a[i].Amount, 1_000_000.0)
		}
	}
}

func TestMockSource_Proposals(t *testing.T) {
	src := NewMockSource(1)
	ps, err := src.Proposals(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, ps)

	ps, err = src.Proposals(context.Background(), "PROP-7")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, "PROP-7", ps[0].ID)
	assert.Contains(t, ps[0].Title, "Risk")
}

func TestAnalyst_Observe(t *testing.T) {
	src := &stubSource{
		events:    []LiquidityEvent{{EventType: EventUnstake, Amount: 1_000_000}, {EventType: EventStake, Amount: 10}},
		proposals: []Proposal{{ID: "PROP-1", Title: "Risk update"}},
	}
	obs, err := NewAnalyst(src, 5, time.Second, nil).Observe(context.Background(), "PROP-1")
	require.NoError(t, err)
	assert.Len(t, obs.Events, 2)
	assert.Len(t, obs.Proposals, 1)
	assert.InDelta(t, 9_000_000, obs.State.LiquidityDepth, 1e-6)
}

func TestAnalyst_SourceErrorContinues(t *testing.T) {
	src := &stubSource{eventsErr: errors.New("rpc down")}
	obs, err := NewAnalyst(src, 5, time.Second, nil).Observe(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, obs.Events)
	assert.Equal(t, BaseLiquidity, obs.State.LiquidityDepth)
}

func TestAnalyst_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewAnalyst(NewMockSource(1), 5, time.Second, nil).Observe(ctx, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLinearModel_Predict(t *testing.T) {
	m := NewLinearModel()
	cur := MarketState{LiquidityDepth: 10_000_000, VolatilityIndex: 0.6, GovernanceRiskScore: 0.2}

	next, err := m.Predict(context.Background(), cur, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 8_800_000, next.LiquidityDepth, 1e-3)
	assert.InDelta(t, 0.66, next.VolatilityIndex, 1e-9)

	same, err := m.Predict(context.Background(), cur, 0)
	require.NoError(t, err)
	assert.InDelta(t, cur.LiquidityDepth, same.LiquidityDepth, 1e-9)

	assert.Equal(t, 0.70, m.Confidence())
	assert.Equal(t, "linear_v1", m.Version())
}

func TestChangePercent(t *testing.T) {
	assert.InDelta(t, -12.0, changePercent(100, 88), 1e-9)
	assert.Zero(t, changePercent(0, 50))
}
