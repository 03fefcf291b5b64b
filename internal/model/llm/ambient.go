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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// AmbientConfig Ambient 补全接口配置
type AmbientConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// AmbientClient 调用 {base}/v1/completions 的客户端。
// resty 自身的重试关闭，重试由 resilience.RetryPolicy 负责。
type AmbientClient struct {
	cfg    AmbientConfig
	client *resty.Client
}

// NewAmbientClient 创建 Ambient 客户端
func NewAmbientClient(cfg AmbientConfig) (*AmbientClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.ambient.ai"
	}
	if cfg.Model == "" {
		cfg.Model = "ambient-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &AmbientClient{cfg: cfg, client: client}, nil
}

type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

// Complete 实现 Client
func (c *AmbientClient) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	req := completionRequest{
		Model:       c.cfg.Model,
		Prompt:      prompt,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		Post(c.cfg.BaseURL + "/v1/completions")
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("调用 Ambient API failed: %w", err)
	}
	if response.IsError() || response.StatusCode() < 200 || response.StatusCode() >= 300 {
		return "", &StatusError{Code: response.StatusCode(), Body: truncate(response.String(), 512)}
	}

	var result completionResponse
	if err := json.Unmarshal(response.Body(), &result); err != nil {
		return "", fmt.Errorf("%w: %v", errDecode, err)
	}
	if len(result.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return result.Choices[0].Text, nil
}

// Model 返回模型名称
func (c *AmbientClient) Model() string { return c.cfg.Model }

// Provider 返回提供商名称
func (c *AmbientClient) Provider() string { return "ambient" }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
