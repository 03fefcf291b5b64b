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
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"senseforge/pkg/metrics"
)

// Limiter 阻塞式准入：等到有令牌为止。只在 ctx 结束（或其截止时间早于可用时刻）时返回错误。
type Limiter interface {
	Acquire(ctx context.Context, key string) error
}

// Admitter 非阻塞准入，供 HTTP 中间件返回 429
type Admitter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Decision 一次非阻塞准入的结果
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// LimiterConfig 每 Per 时间 Rate 个令牌
type LimiterConfig struct {
	Name    string
	Rate    int
	Per     time.Duration
	MaxKeys int           // 最多跟踪的 key 数，超出按 LRU 淘汰；<=0 不限
	IdleTTL time.Duration // key 空闲超过该时长被淘汰；<=0 时取 5*Per
}

func (c LimiterConfig) validate() error {
	if c.Rate <= 0 || c.Per <= 0 {
		return fmt.Errorf("%w: rate and per must be positive (rate=%d per=%s)", ErrInvalidConfig, c.Rate, c.Per)
	}
	return nil
}

// KeyedLimiter 进程内连续令牌桶，每个 key 一个桶：容量 Rate，补充速率 Rate/Per，初始满。
// key 状态表按最近访问时间做 LRU/空闲淘汰，避免按 IP 等维度无限增长。
type KeyedLimiter struct {
	name  string
	rate  int
	per   time.Duration
	limit rate.Limit

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

var (
	_ Limiter  = (*KeyedLimiter)(nil)
	_ Admitter = (*KeyedLimiter)(nil)
)

// NewKeyedLimiter 创建按 key 限流器
func NewKeyedLimiter(cfg LimiterConfig) (*KeyedLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 5 * cfg.Per
	}
	maxKeys := cfg.MaxKeys
	if maxKeys < 0 {
		maxKeys = 0
	}
	return &KeyedLimiter{
		name:    cfg.Name,
		rate:    cfg.Rate,
		per:     cfg.Per,
		limit:   rate.Limit(float64(cfg.Rate) / cfg.Per.Seconds()),
		buckets: expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, ttl),
	}, nil
}

// bucket 取出或创建 key 的桶，并刷新其空闲计时
func (l *KeyedLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets.Get(key)
	if !ok {
		b = rate.NewLimiter(l.limit, l.rate)
	}
	l.buckets.Add(key, b)
	return b
}

// Acquire 阻塞直到 key 有可用令牌并消费一个
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) error {
	start := time.Now()
	err := l.bucket(key).Wait(ctx)
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.RateLimitWaitSeconds.WithLabelValues(l.name).Observe(waited.Seconds())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limiter %s: %w", l.name, err)
	}
	return nil
}

// Allow 非阻塞：有令牌则消费并放行，否则返回需等待的时长
func (l *KeyedLimiter) Allow(_ context.Context, key string) (Decision, error) {
	b := l.bucket(key)
	now := time.Now()
	d := Decision{Limit: l.rate}

	r := b.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
		d.RetryAfter = delay
		d.ResetAt = now.Add(l.untilFull(b.TokensAt(now)))
		return d, nil
	}
	tokens := b.TokensAt(now)
	d.Allowed = true
	d.Remaining = int(math.Max(0, math.Floor(tokens)))
	d.ResetAt = now.Add(l.untilFull(tokens))
	return d, nil
}

func (l *KeyedLimiter) untilFull(tokens float64) time.Duration {
	missing := float64(l.rate) - math.Max(0, tokens)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.limit) * float64(time.Second))
}

// Tokens 当前可用令牌数，截断到 [0, Rate]；未跟踪的 key 视为满桶
func (l *KeyedLimiter) Tokens(key string) float64 {
	l.mu.Lock()
	b, ok := l.buckets.Peek(key)
	l.mu.Unlock()
	if !ok {
		return float64(l.rate)
	}
	return math.Min(float64(l.rate), math.Max(0, b.TokensAt(time.Now())))
}

// Tracked key 是否仍在状态表中
func (l *KeyedLimiter) Tracked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.buckets.Peek(key)
	return ok
}

// Len 当前跟踪的 key 数
func (l *KeyedLimiter) Len() int {
	return l.buckets.Len()
}
