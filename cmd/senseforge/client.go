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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func apiBaseURL() string {
	if u := os.Getenv("SENSEFORGE_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8000"
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
}

// healthReport GET /health 的响应
type healthReport struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Mode        string            `json:"mode"`
	Version     string            `json:"version"`
	Components  map[string]string `json:"components"`
	Breakers    []breakerView     `json:"breakers"`
	Predictions int               `json:"predictions"`
}

type breakerView struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failure_count"`
}

func getHealth(baseURL string) (*healthReport, error) {
	var out healthReport
	resp, err := newClient(baseURL).R().
		SetResult(&out).
		SetError(&out).
		Get("/health")
	if err != nil {
		return nil, err
	}
	if out.Status == "" {
		return nil, fmt.Errorf("GET /health: %d %s", resp.StatusCode(), resp.String())
	}
	return &out, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "检查运行中的 API 服务及熔断器状态",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := getHealth(baseURL)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "status=%s mode=%s version=%s predictions=%d\n", h.Status, h.Mode, h.Version, h.Predictions)
				for _, b := range h.Breakers {
					fmt.Fprintf(out, "  breaker %s: %s (failures=%d)\n", b.Name, b.State, b.Failures)
				}
			}
			if h.Status != "healthy" {
				return fmt.Errorf("service %s", h.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "api", apiBaseURL(), "API 地址，默认取 SENSEFORGE_API_URL")
	return cmd
}
