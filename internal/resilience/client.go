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

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
	"senseforge/pkg/tracing"
)

// 调用结果分类，用于日志与指标
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
)

// ClientConfig 受保护外部调用方配置
type ClientConfig struct {
	Name    string
	Breaker BreakerConfig
	Retry   RetryPolicy
	// Limiter 可为 nil（不限流）；LimiterKey 为空时用 Name
	Limiter    Limiter
	LimiterKey string
	Logger     *log.Logger
}

// Client 组合 限流 -> 熔断 -> 重试 -> 原始调用。
// 熔断按一次 Call 计一次成败，而不是每次重试各计一次。
// 使用方必须为 Call 失败（含熔断拒绝）准备基于规则的兜底。
type Client struct {
	name    string
	limiter Limiter
	key     string
	breaker *CircuitBreaker
	retry   RetryPolicy
	logger  *log.Logger
}

// NewClient 创建受保护调用方
func NewClient(cfg ClientConfig, opts ...BreakerOption) (*Client, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: client name is required", ErrInvalidConfig)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	logger := log.OrDefault(cfg.Logger).With("client", cfg.Name)

	bc := cfg.Breaker
	if bc.Name == "" {
		bc.Name = cfg.Name
	}
	breaker, err := NewCircuitBreaker(bc, append([]BreakerOption{WithBreakerLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}

	retry := cfg.Retry
	if retry.Name == "" {
		retry.Name = cfg.Name
	}
	if retry.Logger == nil {
		retry.Logger = logger
	}

	key := cfg.LimiterKey
	if key == "" {
		key = cfg.Name
	}
	return &Client{
		name:    cfg.Name,
		limiter: cfg.Limiter,
		key:     key,
		breaker: breaker,
		retry:   retry,
		logger:  logger,
	}, nil
}

// Name 依赖名
func (c *Client) Name() string { return c.name }

// Breaker 底层熔断器
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Health 熔断器快照
func (c *Client) Health() BreakerSnapshot { return c.breaker.Snapshot() }

// Call 在限流、熔断、重试保护下执行 op
func (c *Client) Call(ctx context.Context, op func(context.Context) error) error {
	start := time.Now()
	ctx, span := tracing.StartCallSpan(ctx, c.name)
	err := c.call(ctx, op)
	tracing.EndSpan(span, err)
	c.report(classify(err), time.Since(start), err)
	return err
}

func (c *Client) call(ctx context.Context, op func(context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, c.key); err != nil {
			return err
		}
	}
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		return c.retry.Do(ctx, op)
	})
}

// Execute 带返回值的 Call
func Execute[T any](ctx context.Context, c *Client, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrCircuitOpen):
		return OutcomeRejected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled
	default:
		return OutcomeFailure
	}
}

func (c *Client) report(outcome string, elapsed time.Duration, err error) {
	metrics.ResilientCalls.WithLabelValues(c.name, outcome).Inc()
	metrics.ResilientCallDuration.WithLabelValues(c.name).Observe(elapsed.Seconds())
	switch outcome {
	case OutcomeSuccess:
		c.logger.Debug("call succeeded", "latency_ms", elapsed.Milliseconds())
	case OutcomeRejected:
		c.logger.Warn("call rejected by open circuit", "error", err)
	default:
		c.logger.Error("call failed", "outcome", outcome, "latency_ms", elapsed.Milliseconds(), "error", err)
	}
}

// Registry 按名登记 Client，供健康检查枚举熔断器
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry 创建空 Registry
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register 登记 Client，同名覆盖
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get 按名查找
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Snapshots 所有熔断器快照，按名排序
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	out := make([]BreakerSnapshot, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.Health())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Degraded 是否有熔断器处于 OPEN；HALF_OPEN 正在探测，不算降级
func (r *Registry) Degraded() bool {
	for _, s := range r.Snapshots() {
		if s.State == StateOpen {
			return true
		}
	}
	return false
}
