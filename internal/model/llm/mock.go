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
	"sync"
)

// MockClient 返回固定内容，mock 模式与测试使用
type MockClient struct {
	// Response 每次 Complete 返回的文本
	Response string
	// Err 非 nil 时 Complete 返回该错误
	Err error

	mu      sync.Mutex
	prompts []string
}

// NewMockClient 创建返回 response 的 mock
func NewMockClient(response string) *MockClient {
	return &MockClient{Response: response}
}

// Complete 实现 Client
func (m *MockClient) Complete(ctx context.Context, prompt string, _ CompletionOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return m.Response, nil
}

// Prompts 已收到的 prompt
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Model 返回模型名称
func (m *MockClient) Model() string { return "mock" }

// Provider 返回提供商名称
func (m *MockClient) Provider() string { return "mock" }
