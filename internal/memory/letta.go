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

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"senseforge/internal/resilience"
	"senseforge/pkg/log"
)

// LettaConfig Letta 归档记忆配置
type LettaConfig struct {
	BaseURL string
	AgentID string
	APIKey  string
	Timeout time.Duration
	Logger  *log.Logger
}

// LettaClient Letta 归档记忆 API 客户端，调用经 resilience.Client 保护
type LettaClient struct {
	baseURL string
	agentID string
	client  *resty.Client
	guard   *resilience.Client
	logger  *log.Logger
}

// NewLettaClient 创建客户端；guard 为 nil 时不做保护
func NewLettaClient(cfg LettaConfig, guard *resilience.Client) (*LettaClient, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("letta agent id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.letta.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(0)
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &LettaClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		agentID: cfg.AgentID,
		client:  client,
		guard:   guard,
		logger:  log.OrDefault(cfg.Logger).With("component", "letta"),
	}, nil
}

func (c *LettaClient) archivalURL(suffix string) string {
	return c.baseURL + "/agents/" + url.PathEscape(c.agentID) + "/archival" + suffix
}

func (c *LettaClient) do(ctx context.Context, op func(context.Context) error) error {
	if c.guard == nil {
		return op(ctx)
	}
	return c.guard.Call(ctx, op)
}

// StoreEpisode 实现 Store
func (c *LettaClient) StoreEpisode(ctx context.Context, ep Episode) error {
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}
	payload := map[string]any{
		"content":  FormatEpisode(ep),
		"metadata": ep,
	}
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetBody(payload).Post(c.archivalURL(""))
		if err != nil {
			return fmt.Errorf("letta insert: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("letta insert returned %d: %s", resp.StatusCode(), resp.String())
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Debug("情景已写入", "action", ep.Action)
	return nil
}

type searchResult struct {
	Metadata *Episode `json:"metadata"`
}

// Search 实现 Store
func (c *LettaClient) Search(ctx context.Context, state map[string]any, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	payload := map[string]any{"query": FormatQuery(state), "limit": limit}
	var out []Episode
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.client.R().SetContext(ctx).SetBody(payload).Post(c.archivalURL("/search"))
		if err != nil {
			return fmt.Errorf("letta search: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("letta search returned %d: %s", resp.StatusCode(), resp.String())
		}
		var results []searchResult
		if err := json.Unmarshal(resp.Body(), &results); err != nil {
			return fmt.Errorf("decode letta search: %w", err)
		}
		out = make([]Episode, 0, len(results))
		for _, r := range results {
			if r.Metadata != nil {
				out = append(out, *r.Metadata)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats 记忆统计
func (c *LettaClient) Stats() Stats { return Stats{Mode: "live"} }
