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

// Package llm 大模型补全客户端：Ambient HTTP 实现、受保护装饰器与 mock。
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Client LLM 客户端接口
type Client interface {
	// Complete 返回 prompt 的补全文本
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
	// Model 返回模型名称
	Model() string
	// Provider 返回提供商名称
	Provider() string
}

// CompletionOptions 补全选项；零值使用客户端默认
type CompletionOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Temperature 便于构造 CompletionOptions
func Temperature(v float64) *float64 { return &v }

// StatusError 上游返回非 2xx
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api returned %d: %s", e.Code, e.Body)
}

// ErrEmptyResponse 上游返回成功但没有结果
var ErrEmptyResponse = errors.New("llm api returned no choices")

// Retryable 429、5xx 与网络错误可重试；其余（4xx、解析失败）不重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return !errors.Is(err, ErrEmptyResponse) && !errors.Is(err, errDecode)
}

var errDecode = errors.New("decode llm response")
