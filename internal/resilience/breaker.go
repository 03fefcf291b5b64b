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
	"sync"
	"time"

	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

// State 熔断器状态
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText 以 CLOSED/OPEN/HALF_OPEN 输出到 JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // 打开前允许的失败次数，>= 1
	RecoveryTimeout  time.Duration // 打开后多久允许一次探测
	// IsFailure 判断错误是否计入失败；nil 时所有非 nil 错误都计入。
	// 被排除的错误视为依赖可达，按成功处理。ctx 取消/超时总是计入失败。
	IsFailure func(error) bool
}

// DefaultBreakerConfig 5 次失败后打开，60s 后探测
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{Name: name, FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// BreakerSnapshot 熔断器状态快照，供健康检查轮询
type BreakerSnapshot struct {
	Name            string     `json:"name"`
	State           State      `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// BreakerOption 熔断器可选项
type BreakerOption func(*CircuitBreaker)

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithBreakerLogger 设置日志
func WithBreakerLogger(l *log.Logger) BreakerOption {
	return func(cb *CircuitBreaker) { cb.logger = l }
}

// WithStateChangeHook 状态迁移回调，在锁外调用
func WithStateChangeHook(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// CircuitBreaker 单个上游依赖的三态熔断器（CLOSED / OPEN / HALF_OPEN）
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration
	isFailure func(error) bool
	now       func() time.Time
	logger    *log.Logger
	onChange  func(name string, from, to State)

	mu           sync.Mutex
	state        State
	generation   uint64
	failureCount int
	lastFailure  time.Time
	probing      bool
}

// NewCircuitBreaker 创建熔断器，初始为 CLOSED
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) (*CircuitBreaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, fmt.Errorf("%w: failure threshold must be >= 1, got %d", ErrInvalidConfig, cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout <= 0 {
		return nil, fmt.Errorf("%w: recovery timeout must be positive", ErrInvalidConfig)
	}
	cb := &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		timeout:   cfg.RecoveryTimeout,
		isFailure: cfg.IsFailure,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.logger = log.OrDefault(cb.logger).With("breaker", cfg.Name)
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
	return cb, nil
}

// Name 熔断器名
func (cb *CircuitBreaker) Name() string { return cb.name }

// Call 在熔断器保护下执行 fn。OPEN 且未到恢复时间时返回 *OpenError 且不调用 fn；
// 否则返回 fn 自身的错误。
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) (err error) {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.record(gen, errPanicked)
			panic(r)
		}
	}()
	err = fn(ctx)
	cb.record(gen, err)
	return err
}

// Guard 带返回值的 Call
func Guard[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// admit 决定是否放行，返回放行时的代数；HALF_OPEN 同一时刻只放行一个探测
func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.fire(changed)
	}()

	switch cb.state {
	case StateClosed:
		return cb.generation, nil
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed < cb.timeout {
			metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
			return 0, &OpenError{Name: cb.name, RetryAfter: cb.timeout - elapsed}
		}
		changed = cb.setState(StateHalfOpen)
		cb.probing = true
		return cb.generation, nil
	default:
		if cb.probing {
			metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
			return 0, &OpenError{Name: cb.name}
		}
		cb.probing = true
		return cb.generation, nil
	}
}

// record 记录调用结果；放行后状态已迁移的旧调用结果被忽略
func (cb *CircuitBreaker) record(gen uint64, err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.fire(changed)
	}()

	if gen != cb.generation {
		return
	}
	if cb.state == StateHalfOpen {
		cb.probing = false
	}

	if !cb.countsAsFailure(err) {
		cb.failureCount = 0
		if cb.state != StateClosed {
			changed = cb.setState(StateClosed)
		}
		return
	}

	cb.failureCount++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateHalfOpen:
		changed = cb.setState(StateOpen)
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			changed = cb.setState(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if cb.isFailure != nil {
		return cb.isFailure(err)
	}
	return true
}

type transition struct {
	from, to     State
	failureCount int
}

// setState 需持锁调用
func (cb *CircuitBreaker) setState(to State) *transition {
	from := cb.state
	cb.state = to
	cb.generation++
	return &transition{from: from, to: to, failureCount: cb.failureCount}
}

func (cb *CircuitBreaker) fire(t *transition) {
	if t == nil {
		return
	}
	metrics.BreakerState.WithLabelValues(cb.name).Set(float64(t.to))
	metrics.BreakerTransitions.WithLabelValues(cb.name, t.from.String(), t.to.String()).Inc()
	if t.to == StateOpen {
		cb.logger.Warn("circuit opened", "from", t.from.String(), "failure_count", t.failureCount)
	} else {
		cb.logger.Info("circuit state changed", "from", t.from.String(), "to", t.to.String())
	}
	if cb.onChange != nil {
		cb.onChange(cb.name, t.from, t.to)
	}
}

// State 当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot 无副作用的状态快照
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := BreakerSnapshot{
		Name:         cb.name,
		State:        cb.state,
		FailureCount: cb.failureCount,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		s.LastFailureTime = &t
	}
	return s
}

// Reset 人工复位为 CLOSED
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed *transition
	cb.failureCount = 0
	cb.probing = false
	if cb.state != StateClosed {
		changed = cb.setState(StateClosed)
	}
	cb.mu.Unlock()
	cb.fire(changed)
}
