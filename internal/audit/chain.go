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

// Package audit 推理审计链：记录一次请求中各组件的推理步骤，结束时整体落盘为不可变记录。
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"senseforge/pkg/log"
)

// SchemaVersion 持久化记录的格式版本
const SchemaVersion = "1.0"

// Step 推理链中的一步
type Step struct {
	StepNumber int            `json:"step_number"`
	Component  string         `json:"component"`
	Input      map[string]any `json:"input"`
	Output     map[string]any `json:"output"`
	Reasoning  string         `json:"reasoning"`
	Confidence *float64       `json:"confidence"`
	DurationMs *float64       `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StepInput LogStep 的入参；Duration 为 0 表示未计时
type StepInput struct {
	Component  string
	Input      map[string]any
	Output     map[string]any
	Reasoning  string
	Confidence *float64
	Duration   time.Duration
}

// Chain 一次请求的推理链，请求内传递，Finalize 后封存
type Chain struct {
	id        string
	query     string
	startedAt time.Time
	now       func() time.Time
	logger    *log.Logger

	mu        sync.Mutex
	steps     []Step
	finalized bool
}

func newChain(query string, now func() time.Time, logger *log.Logger) *Chain {
	started := now()
	return &Chain{
		id:        newChainID(started),
		query:     query,
		startedAt: started,
		now:       now,
		logger:    logger,
	}
}

// newChainID chain_YYYYMMDD_HHMMSS_ffffff_xxxxxx
func newChainID(t time.Time) string {
	t = t.UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("chain_%s_%06d_%s", t.Format("20060102_150405"), t.Nanosecond()/1000, suffix)
}

// ID 链 ID
func (c *Chain) ID() string { return c.id }

// Query 原始查询
func (c *Chain) Query() string { return c.query }

// StartedAt 开始时间
func (c *Chain) StartedAt() time.Time { return c.startedAt }

// LogStep 追加一步，编号从 1 递增；nil 或已封存的链只告警
func (c *Chain) LogStep(in StepInput) {
	if c == nil {
		log.OrDefault(nil).Warn("推理链不存在，忽略步骤", "component", in.Component)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		c.logger.Warn("推理链已结束，忽略步骤", "chain_id", c.id, "component", in.Component)
		return
	}
	step := Step{
		StepNumber: len(c.steps) + 1,
		Component:  in.Component,
		Input:      cloneMap(in.Input),
		Output:     cloneMap(in.Output),
		Reasoning:  in.Reasoning,
		Timestamp:  c.now().UTC(),
	}
	if step.Input == nil {
		step.Input = map[string]any{}
	}
	if step.Output == nil {
		step.Output = map[string]any{}
	}
	if in.Confidence != nil {
		v := *in.Confidence
		step.Confidence = &v
	}
	if in.Duration > 0 {
		ms := float64(in.Duration) / float64(time.Millisecond)
		step.DurationMs = &ms
	}
	c.steps = append(c.steps, step)
	c.logger.Debug("推理步骤", "chain_id", c.id, "step", step.StepNumber, "component", step.Component)
}

// Steps 已记录步骤的副本
func (c *Chain) Steps() []Step {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Finalized 是否已封存
func (c *Chain) Finalized() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

type chainKey struct{}

// WithChain 将链放入 ctx
func WithChain(ctx context.Context, c *Chain) context.Context {
	return context.WithValue(ctx, chainKey{}, c)
}

// ChainFrom 取出 ctx 中的链，没有时返回 nil
func ChainFrom(ctx context.Context) *Chain {
	c, _ := ctx.Value(chainKey{}).(*Chain)
	return c
}

// LogStep 向 ctx 中的链追加一步
func LogStep(ctx context.Context, in StepInput) {
	ChainFrom(ctx).LogStep(in)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
