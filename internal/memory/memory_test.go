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

package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"senseforge/internal/resilience"
	"senseforge/pkg/log"
)

func TestFormatEpisode(t *testing.T) {
	ep := Episode{
		State:   map[string]any{"liquidity_depth": 9_500_000.0, "volatility_index": 0.55, "governance_risk_score": 0.2},
		Action:  "PASS_PROPOSAL",
		Outcome: map[string]any{"predicted_liquidity": 8_700_000.0},
	}
	assert.Equal(t,
		"Market state: liquidity_depth=9500000, volatility=0.55, risk=0.20. Action: PASS_PROPOSAL. Outcome: predicted_liquidity=8700000",
		FormatEpisode(ep))
	assert.Equal(t, "Market with liquidity 9500000, volatility 0.55, risk 0.20", FormatQuery(ep.State))
}

func TestLettaClient_StoreAndSearch(t *testing.T) {
	var inserted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer letta-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/agents/agent-1/archival":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&inserted))
			_, _ = w.Write([]byte(`{"id":"mem-1"}`))
		case "/agents/agent-1/archival/search":
			var q map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, 2.0, q["limit"])
			_, _ = w.Write([]byte(`[{"metadata":{"action":"MONITOR","state":{"liquidity_depth":1}}},{"text":"no metadata"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewLettaClient(LettaConfig{BaseURL: srv.URL, AgentID: "agent-1", APIKey: "letta-key", Logger: log.Nop()}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.StoreEpisode(ctx, Episode{Action: "MONITOR", State: map[string]any{"liquidity_depth": 1.0}}))
	assert.Contains(t, inserted["content"], "Action: MONITOR")
	meta, ok := inserted["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "MONITOR", meta["action"])

	eps, err := c.Search(ctx, map[string]any{"liquidity_depth": 1.0}, 2)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "MONITOR", eps[0].Action)
}

func TestLettaClient_ErrorsOpenCircuit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	guard, err := resilience.NewClient(resilience.ClientConfig{
		Name:    "letta-test",
		Breaker: resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute},
		Retry:   resilience.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2},
		Logger:  log.Nop(),
	})
	require.NoError(t, err)
	c, err := NewLettaClient(LettaConfig{BaseURL: srv.URL, AgentID: "a", Logger: log.Nop()}, guard)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Error(t, c.StoreEpisode(ctx, Episode{Action: "x"}))
	_, err = c.Search(ctx, nil, 1)
	assert.Error(t, err)
	_, err = c.Search(ctx, nil, 1)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, int32(2), hits.Load())
}

func TestNewLettaClient_RequiresAgent(t *testing.T) {
	_, err := NewLettaClient(LettaConfig{}, nil)
	assert.Error(t, err)
}

func TestMockStore(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	for _, depth := range []float64{10e6, 5e6, 9e6, 1e6} {
		require.NoError(t, m.StoreEpisode(ctx, Episode{State: map[string]any{"liquidity_depth": depth}, Action: "MONITOR"}))
	}
	eps, err := m.Search(ctx, map[string]any{"liquidity_depth": 9.2e6}, 2)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, 9e6, eps[0].State["liquidity_depth"])
	assert.Equal(t, 10e6, eps[1].State["liquidity_depth"])
	assert.Equal(t, 4, *m.Stats().TotalEpisodes)
	assert.False(t, eps[0].Timestamp.IsZero())
}
