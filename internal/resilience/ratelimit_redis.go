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
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"senseforge/pkg/metrics"
)

// RedisLimiter 基于 Redis 有序集合的滑动窗口限流，多实例共享配额。
// 每个 key 一个 ZSET，成员为请求，score 为微秒时间戳。
type RedisLimiter struct {
	client redis.UniversalClient
	name   string
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

var (
	_ Limiter  = (*RedisLimiter)(nil)
	_ Admitter = (*RedisLimiter)(nil)
)

// NewRedisLimiter 创建分布式限流器；Per 为窗口长度，Rate 为窗口内上限
func NewRedisLimiter(client redis.UniversalClient, cfg LimiterConfig) (*RedisLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}
	return &RedisLimiter{
		client: client,
		name:   name,
		prefix: "senseforge:ratelimit:" + name + ":",
		limit:  cfg.Rate,
		window: cfg.Per,
		now:    time.Now,
	}, nil
}

// Allow 清理窗口外记录、计数、登记本次请求；超限时撤销登记并给出 RetryAfter。
// Redis 错误原样返回，不视为放行。
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	k := l.prefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()[:8]
	windowStart := now.Add(-l.window).UnixMicro()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(windowStart, 10))
	card := pipe.ZCard(ctx, k)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	pipe.Expire(ctx, k, l.window)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit %s: %w", l.name, err)
	}

	count := int(card.Val())
	d := Decision{Limit: l.limit, ResetAt: now.Add(l.window)}
	if zs := oldest.Val(); len(zs) > 0 {
		first := time.UnixMicro(int64(zs[0].Score))
		d.ResetAt = first.Add(l.window)
	}

	if count < l.limit {
		d.Allowed = true
		d.Remaining = l.limit - count - 1
		return d, nil
	}

	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("redis rate limit %s: %w", l.name, err)
	}
	metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
	d.RetryAfter = d.ResetAt.Sub(now)
	if d.RetryAfter <= 0 {
		d.RetryAfter = time.Millisecond
	}
	return d, nil
}

// Acquire 轮询 Allow，按 RetryAfter 等待直到放行或 ctx 结束
func (l *RedisLimiter) Acquire(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.RateLimitWaitSeconds.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	}()
	for {
		d, err := l.Allow(ctx, key)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}
		if err := sleepCtx(ctx, d.RetryAfter); err != nil {
			return err
		}
	}
}

// Reset 清除 key 的窗口记录
func (l *RedisLimiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
