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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"senseforge/internal/agent"
	"senseforge/internal/api/http/middleware"
	"senseforge/internal/audit"
	"senseforge/internal/ledger"
	"senseforge/internal/resilience"
	pkgerrors "senseforge/pkg/errors"
	"senseforge/pkg/log"
)

type fakeRunner struct {
	err   error
	calls []agent.Query
}

func (f *fakeRunner) Run(_ context.Context, q agent.Query) (agent.Result, error) {
	f.calls = append(f.calls, q)
	if f.err != nil {
		return agent.Result{}, f.err
	}
	var res agent.Result
	res.Metadata.RequestID = q.RequestID
	res.Metadata.ChainID = "chain_test"
	res.Metadata.PredictionID = "pred_test"
	res.Analysis.Risk = agent.Strategy{RiskLevel: agent.RiskSafe, RecommendedAction: agent.ActionMonitor}
	return res, nil
}

type fakeBreakers struct {
	degraded bool
}

func (f fakeBreakers) Snapshots() []resilience.BreakerSnapshot {
	st := resilience.StateClosed
	if f.degraded {
		st = resilience.StateOpen
	}
	return []resilience.BreakerSnapshot{{Name: "ambient_llm", State: st}}
}

func (f fakeBreakers) Degraded() bool { return f.degraded }

type testEnv struct {
	runner *fakeRunner
	ledger *ledger.Ledger
	trail  *audit.Trail
	srv    *server.Hertz
}

func newTestEnv(t *testing.T, breakers BreakerHealth, mw middleware.Config) *testEnv {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore(), ledger.WithLogger(log.Nop()))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	env := &testEnv{
		runner: &fakeRunner{},
		ledger: l,
		trail:  audit.NewTrail(audit.NewMemoryStore(), audit.WithLogger(log.Nop())),
	}
	handler := NewHandler(HandlerConfig{
		Pipeline:   env.runner,
		Ledger:     env.ledger,
		Trail:      env.trail,
		Breakers:   breakers,
		MemoryMode: "mock",
		Logger:     log.Nop(),
	})
	mw.Logger = log.Nop()
	env.srv = NewRouter(handler, middleware.NewMiddleware(mw)).Build(":0")
	return env
}

func (e *testEnv) do(method, path string, body []byte, headers ...ut.Header) *ut.ResponseRecorder {
	return ut.PerformRequest(e.srv.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)}, headers...)
}

func decode(t *testing.T, w *ut.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Result().Body(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Result().Body(), err)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, fakeBreakers{}, middleware.Config{})
	w := env.do("GET", "/health", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, want 200", got)
	}
	body := decode(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status field = %v", body["status"])
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"ambient_llm"`)) {
		t.Errorf("breakers missing from body: %s", w.Result().Body())
	}
}

func TestHealthCheck_DegradedWhenBreakerOpen(t *testing.T) {
	env := newTestEnv(t, fakeBreakers{degraded: true}, middleware.Config{})
	w := env.do("GET", "/health", nil)
	if got := w.Result().StatusCode(); got != 503 {
		t.Fatalf("status = %d, want 503", got)
	}
	body := decode(t, w)
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want degraded", body["status"])
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"OPEN"`)) {
		t.Errorf("breaker state missing: %s", w.Result().Body())
	}
}

func TestAgentCard(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	w := env.do("GET", "/.well-known/agent.json", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	body := decode(t, w)
	if body["name"] != "SenseForge" || body["status"] != "online" || body["mode"] != "mock" {
		t.Errorf("unexpected card: %v", body)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	w := env.do("GET", "/metrics", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("senseforge_predictions_recorded_total")) {
		t.Errorf("metrics body missing series: %.200s", w.Result().Body())
	}
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	body := []byte(`{"query":"Assess PROP-42","proposal_id":"PROP-42","context":"treasury"}`)
	w := env.do("POST", "/query", body, ut.Header{Key: "X-Request-ID", Value: "req-abc"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d body=%s", got, w.Result().Body())
	}
	if got := string(w.Result().Header.Peek("X-Request-ID")); got != "req-abc" {
		t.Errorf("X-Request-ID = %q", got)
	}
	out := decode(t, w)
	if out["status"] != "success" || out["request_id"] != "req-abc" {
		t.Errorf("unexpected envelope: %v", out)
	}
	if len(env.runner.calls) != 1 {
		t.Fatalf("pipeline calls = %d", len(env.runner.calls))
	}
	q := env.runner.calls[0]
	if q.ProposalID != "PROP-42" || q.Text != "Assess PROP-42" || q.Context != "treasury" || q.RequestID != "req-abc" {
		t.Errorf("query passed to pipeline = %+v", q)
	}
}

func TestQuery_Validation(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	cases := map[string]string{
		"empty body":       ``,
		"missing query":    `{"proposal_id":"PROP-1"}`,
		"empty query":      `{"query":""}`,
		"bad proposal":     `{"query":"x","proposal_id":"DROP TABLE"}`,
		"too long query":   fmt.Sprintf(`{"query":%q}`, bytes.Repeat([]byte("a"), 5001)),
		"too long context": fmt.Sprintf(`{"query":"x","context":%q}`, bytes.Repeat([]byte("a"), 2001)),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := env.do("POST", "/query", []byte(body))
			if got := w.Result().StatusCode(); got != 400 {
				t.Fatalf("status = %d, want 400 (body=%s)", got, w.Result().Body())
			}
			if out := decode(t, w); out["error_type"] != "validation_error" {
				t.Errorf("error_type = %v", out["error_type"])
			}
		})
	}
	if len(env.runner.calls) != 0 {
		t.Errorf("pipeline should not run for invalid requests, got %d calls", len(env.runner.calls))
	}
}

func TestQuery_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{&resilience.OpenError{Name: "ambient_llm", RetryAfter: time.Minute}, 503},
		{fmt.Errorf("ledger: %w", pkgerrors.ErrUnavailable), 503},
		{context.DeadlineExceeded, 504},
		{fmt.Errorf("ledger: disk full"), 500},
	}
	for _, tc := range cases {
		env := newTestEnv(t, nil, middleware.Config{})
		env.runner.err = tc.err
		w := env.do("POST", "/query", []byte(`{"query":"x"}`))
		if got := w.Result().StatusCode(); got != tc.code {
			t.Errorf("%v: status = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestPredictionsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	ctx := context.Background()
	conf := 0.7
	p, err := env.ledger.Record(ctx, ledger.Input{
		Timestamp:  time.Now().Add(-time.Hour),
		State:      map[string]any{"liquidity_depth": 100.0},
		Predicted:  100,
		Confidence: &conf,
		RiskLevel:  "SAFE",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	w := env.do("GET", "/predictions?limit=5", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("list status = %d", got)
	}
	if out := decode(t, w); out["count"] != float64(1) {
		t.Errorf("count = %v", out["count"])
	}

	w = env.do("GET", "/predictions?limit=0", nil)
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("limit=0 status = %d, want 400", got)
	}

	w = env.do("POST", "/predictions/"+p.ID+"/actual", []byte(`{}`))
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("missing actual status = %d, want 400", got)
	}

	w = env.do("POST", "/predictions/"+p.ID+"/actual", []byte(`{"actual_liquidity":110}`))
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("actual status = %d body=%s", got, w.Result().Body())
	}
	if out := decode(t, w); out["actual_liquidity"] != float64(110) {
		t.Errorf("actual_liquidity = %v", out["actual_liquidity"])
	}

	w = env.do("POST", "/predictions/"+p.ID+"/actual", []byte(`{"actual_liquidity":120}`))
	if got := w.Result().StatusCode(); got != 409 {
		t.Errorf("second actual status = %d, want 409", got)
	}

	w = env.do("POST", "/predictions/pred_missing/actual", []byte(`{"actual_liquidity":1}`))
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing prediction status = %d, want 404", got)
	}

	w = env.do("GET", "/predictions/accuracy?window=48h", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("accuracy status = %d", got)
	}
	out := decode(t, w)
	if out["count"] != float64(1) || out["window_hours"] != float64(48) {
		t.Errorf("accuracy body = %v", out)
	}
	if mae, _ := out["mean_absolute_error"].(float64); mae != 10 {
		t.Errorf("mean_absolute_error = %v, want 10", out["mean_absolute_error"])
	}

	w = env.do("GET", "/predictions/accuracy?window=-1h", nil)
	if got := w.Result().StatusCode(); got != 400 {
		t.Errorf("negative window status = %d, want 400", got)
	}
}

func TestReasoningEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	ctx := context.Background()
	c := env.trail.StartChain(ctx, "assess")
	c.LogStep(audit.StepInput{Component: "Analyst"})
	c.LogStep(audit.StepInput{Component: "Strategist"})
	if err := env.trail.Finalize(ctx, c, map[string]any{"risk_level": "SAFE"}, 120*time.Millisecond); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	w := env.do("GET", "/reasoning/"+c.ID(), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("get chain status = %d", got)
	}
	if out := decode(t, w); out["chain_id"] != c.ID() {
		t.Errorf("chain_id = %v", out["chain_id"])
	}

	w = env.do("GET", "/reasoning/chain_missing", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Errorf("missing chain status = %d, want 404", got)
	}

	w = env.do("GET", "/reasoning/summary?window=1", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("summary status = %d", got)
	}
	if out := decode(t, w); out["total_chains"] != float64(1) {
		t.Errorf("summary = %v", out)
	}
}
