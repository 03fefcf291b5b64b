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
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/ut"

	"senseforge/internal/api/http/middleware"
	"senseforge/internal/resilience"
)

func TestRouter_AuthRequired(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{RequireAuth: true, APIKeys: []string{"sk-live-123"}})

	w := env.do("GET", "/predictions", nil)
	if got := w.Result().StatusCode(); got != 401 {
		t.Fatalf("no key status = %d, want 401", got)
	}
	if out := decode(t, w); out["error_type"] != "authentication_required" {
		t.Errorf("error_type = %v", out["error_type"])
	}

	w = env.do("GET", "/predictions", nil, ut.Header{Key: middleware.HeaderAPIKey, Value: "sk-live-999"})
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("wrong key status = %d, want 403", got)
	}

	w = env.do("GET", "/predictions", nil, ut.Header{Key: middleware.HeaderAPIKey, Value: "sk-live-123"})
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("valid key status = %d, want 200", got)
	}

	for _, path := range []string{"/health", "/metrics", "/.well-known/agent.json"} {
		w = env.do("GET", path, nil)
		if got := w.Result().StatusCode(); got != 200 {
			t.Errorf("public %s status = %d, want 200", path, got)
		}
	}
}

func TestRouter_AuthDisabled(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{APIKeys: []string{"sk"}})
	w := env.do("GET", "/predictions", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d, want 200", got)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	lim, err := resilience.NewKeyedLimiter(resilience.LimiterConfig{Name: "http-test", Rate: 2, Per: time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	env := newTestEnv(t, nil, middleware.Config{Limiter: lim})
	client := ut.Header{Key: middleware.HeaderClientID, Value: "dashboard"}

	for i := 0; i < 2; i++ {
		w := env.do("GET", "/predictions", nil, client)
		if got := w.Result().StatusCode(); got != 200 {
			t.Fatalf("request %d status = %d", i, got)
		}
		if got := string(w.Result().Header.Peek("X-RateLimit-Limit")); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q", got)
		}
		if got := string(w.Result().Header.Peek("X-RateLimit-Remaining")); got != []string{"1", "0"}[i] {
			t.Errorf("request %d X-RateLimit-Remaining = %q", i, got)
		}
	}

	w := env.do("GET", "/predictions", nil, client)
	if got := w.Result().StatusCode(); got != 429 {
		t.Fatalf("third request status = %d, want 429", got)
	}
	out := decode(t, w)
	if out["error_type"] != "rate_limit_exceeded" {
		t.Errorf("error_type = %v", out["error_type"])
	}
	if ra, _ := out["retry_after"].(float64); ra < 1 {
		t.Errorf("retry_after = %v, want >= 1", out["retry_after"])
	}
	if w.Result().Header.Peek("Retry-After") == nil {
		t.Error("Retry-After header missing")
	}

	// 其它客户端独立计数，公开端点不限流
	other := ut.Header{Key: middleware.HeaderClientID, Value: "cli"}
	if got := env.do("GET", "/predictions", nil, other).Result().StatusCode(); got != 200 {
		t.Errorf("other client status = %d, want 200", got)
	}
	if got := env.do("GET", "/health", nil, client).Result().StatusCode(); got != 200 {
		t.Errorf("health status = %d, want 200", got)
	}
}

func TestRouter_RequestIDGenerated(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	w := env.do("GET", "/health", nil)
	if id := w.Result().Header.Peek(middleware.HeaderRequestID); len(id) == 0 {
		t.Fatal("X-Request-ID not set")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil, middleware.Config{})
	if got := env.do("GET", "/api/documents", nil).Result().StatusCode(); got != 404 {
		t.Fatalf("status = %d, want 404", got)
	}
}
