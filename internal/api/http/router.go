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

package http

import (
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"senseforge/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// Build 创建 Hertz 实例并注册全部路由；opts 追加在 WithHostPorts 之后（如链路追踪）
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	all := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.New(all...)
	r.Register(h)
	return h
}

// Register 在已有 Hertz 上注册中间件与路由
func (r *Router) Register(h *server.Hertz) {
	h.Use(
		r.middleware.Recovery(),
		r.middleware.RequestID(),
		r.middleware.AccessLog(),
		r.middleware.Auth(),
		r.middleware.RateLimit(),
	)

	// 公开端点
	h.GET("/.well-known/agent.json", r.handler.AgentCard)
	h.GET("/health", r.handler.HealthCheck)
	h.GET("/metrics", r.handler.Metrics)

	h.POST("/query", r.handler.Query)

	predictions := h.Group("/predictions")
	{
		predictions.GET("", r.handler.ListPredictions)
		predictions.GET("/accuracy", r.handler.Accuracy)
		predictions.POST("/:id/actual", r.handler.RecordActual)
	}

	reasoning := h.Group("/reasoning")
	{
		reasoning.GET("/summary", r.handler.ReasoningSummary)
		reasoning.GET("/:id", r.handler.ReasoningChain)
	}
}
