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
	"math/rand/v2"
	"time"

	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

// RetryPolicy 指数退避重试策略。第 i 次失败后等待
// min(InitialDelay*ExponentialBase^i, MaxDelay)，开启 Jitter 时再乘以 [0.5, 1.0) 的随机因子。
type RetryPolicy struct {
	// Name 用于日志与指标
	Name string
	// MaxAttempts 最大尝试次数（含首次），>= 1
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	// Retryable 判断错误是否可重试；nil 表示全部可重试
	Retryable func(error) bool
	Logger    *log.Logger

	sleep  func(context.Context, time.Duration) error
	random func() float64
}

// RetryStats 一次 Do 的执行统计
type RetryStats struct {
	Attempts   int
	Exhausted  bool // 所有尝试均失败
	TotalDelay time.Duration
}

// DefaultRetryPolicy 3 次尝试，1s 起步，上限 60s，底数 2，带抖动
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Validate 校验参数
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1", ErrInvalidConfig)
	case p.InitialDelay <= 0:
		return fmt.Errorf("%w: initial delay must be positive", ErrInvalidConfig)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: max delay must be >= initial delay", ErrInvalidConfig)
	case p.ExponentialBase <= 1:
		return fmt.Errorf("%w: exponential base must be > 1", ErrInvalidConfig)
	}
	return nil
}

// Delay 第 attempt 次（从 0 开始）失败后的等待时间
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		r := rand.Float64
		if p.random != nil {
			r = p.random
		}
		d *= 0.5 + r()*0.5
	}
	return time.Duration(d)
}

// Do 执行 fn 直到成功、遇到不可重试错误或用尽次数；返回 fn 自身的错误值
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := p.DoWithStats(ctx, fn)
	return err
}

// Retry 带返回值的 Do
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

// DoWithStats 同 Do，额外返回尝试次数与是否用尽。等待期间 ctx 结束时返回 ctx.Err()。
func (p RetryPolicy) DoWithStats(ctx context.Context, fn func(context.Context) error) (RetryStats, error) {
	var stats RetryStats
	logger := log.OrDefault(p.Logger)
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		stats.Attempts++
		err := fn(ctx)
		if err == nil {
			return stats, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			metrics.RetryAttempts.WithLabelValues(p.Name, "aborted").Inc()
			logger.Warn("non-retryable error, giving up", "operation", p.Name, "attempt", attempt+1, "error", err)
			return stats, err
		}
		if attempt == maxAttempts-1 {
			stats.Exhausted = true
			metrics.RetryAttempts.WithLabelValues(p.Name, "exhausted").Inc()
			logger.Error("all retry attempts failed", "operation", p.Name, "attempts", maxAttempts, "error", err)
			return stats, err
		}

		delay := p.Delay(attempt)
		metrics.RetryAttempts.WithLabelValues(p.Name, "retried").Inc()
		logger.Warn("attempt failed, retrying",
			"operation", p.Name, "attempt", attempt+1, "max_attempts", maxAttempts,
			"delay", delay.String(), "error", err)
		if serr := sleep(ctx, delay); serr != nil {
			return stats, serr
		}
		stats.TotalDelay += delay
	}
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
