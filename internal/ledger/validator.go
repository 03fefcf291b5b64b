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

package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"senseforge/pkg/log"
)

// ActualSource 提供预测对应时刻的实际流动性
type ActualSource interface {
	Actual(ctx context.Context, p Prediction) (float64, error)
}

// ActualFunc 函数适配 ActualSource
type ActualFunc func(ctx context.Context, p Prediction) (float64, error)

// Actual 实现 ActualSource
func (f ActualFunc) Actual(ctx context.Context, p Prediction) (float64, error) { return f(ctx, p) }

// NoisySource mock 数据源：实际值 = 预测值 * (1 + U(-Noise, Noise))
type NoisySource struct {
	// Noise 默认 0.05
	Noise  float64
	random func() float64
}

// Actual 实现 ActualSource
func (s NoisySource) Actual(_ context.Context, p Prediction) (float64, error) {
	noise := s.Noise
	if noise <= 0 {
		noise = 0.05
	}
	r := s.random
	if r == nil {
		r = rand.Float64
	}
	return p.PredictedValue * (1 + (r()*2-1)*noise), nil
}

// ValidatorConfig 自动验证参数
type ValidatorConfig struct {
	// Delay 预测记录多久后才回填，默认 5m
	Delay time.Duration
	// Interval 扫描间隔，默认 60s
	Interval time.Duration
	Logger   *log.Logger
}

// Validator 后台定期为到期预测回填实际值
type Validator struct {
	ledger   *Ledger
	source   ActualSource
	delay    time.Duration
	interval time.Duration
	logger   *log.Logger
}

// NewValidator 创建 Validator
func NewValidator(l *Ledger, src ActualSource, cfg ValidatorConfig) *Validator {
	if cfg.Delay <= 0 {
		cfg.Delay = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Validator{
		ledger:   l,
		source:   src,
		delay:    cfg.Delay,
		interval: cfg.Interval,
		logger:   log.OrDefault(cfg.Logger).With("component", "ledger_validator"),
	}
}

// Run 按 Interval 循环 Sweep，直到 ctx 结束；单轮失败只记录日志
func (v *Validator) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	v.logger.Info("自动验证已启动", "delay", v.delay, "interval", v.interval)
	for {
		select {
		case <-ctx.Done():
			v.logger.Info("自动验证已停止")
			return nil
		case <-ticker.C:
			if n, err := v.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				v.logger.Error("自动验证失败", "validated", n, "error", err)
			} else if n > 0 {
				v.logger.Info("自动验证完成", "validated", n)
			}
		}
	}
}

// Sweep 为所有早于 Delay 的待验证预测回填实际值，返回成功条数。
// 数据源失败的条目跳过；账本写入失败立即返回。
func (v *Validator) Sweep(ctx context.Context) (int, error) {
	n := 0
	for _, p := range v.ledger.Pending(v.delay) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		actual, err := v.source.Actual(ctx, p)
		if err != nil {
			v.logger.Warn("获取实际值失败，跳过", "prediction_id", p.ID, "error", err)
			continue
		}
		if err := v.ledger.UpdateActual(ctx, p.ID, actual); err != nil {
			if errors.Is(err, ErrAlreadyValidated) {
				continue
			}
			if errors.Is(err, ErrInvalidPrediction) {
				v.logger.Warn("实际值非法，跳过", "prediction_id", p.ID, "error", err)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
