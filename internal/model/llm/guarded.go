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

package llm

import (
	"context"

	"senseforge/internal/resilience"
)

// GuardedClient 在限流、熔断、重试保护下调用任意 Client。
// 调用方仍需为失败（含熔断拒绝）准备规则兜底。
type GuardedClient struct {
	inner Client
	guard *resilience.Client
}

// NewGuardedClient 包装 inner；guard 为 nil 时直接调用
func NewGuardedClient(inner Client, guard *resilience.Client) *GuardedClient {
	return &GuardedClient{inner: inner, guard: guard}
}

// Complete 实现 Client
func (c *GuardedClient) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	if c.guard == nil {
		return c.inner.Complete(ctx, prompt, opts)
	}
	return resilience.Execute(ctx, c.guard, func(ctx context.Context) (string, error) {
		return c.inner.Complete(ctx, prompt, opts)
	})
}

// Model 返回底层模型名称
func (c *GuardedClient) Model() string { return c.inner.Model() }

// Provider 返回底层提供商名称
func (c *GuardedClient) Provider() string { return c.inner.Provider() }

// Health 熔断器快照
func (c *GuardedClient) Health() (resilience.BreakerSnapshot, bool) {
	if c.guard == nil {
		return resilience.BreakerSnapshot{}, false
	}
	return c.guard.Health(), true
}
