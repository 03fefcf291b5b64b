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

// Package middleware HTTP 入口中间件：请求 ID、API Key 认证、按客户端限流、访问计数
package middleware

import (
	"context"
	"crypto/subtle"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"senseforge/internal/resilience"
	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

const (
	// HeaderRequestID 请求 ID 头
	HeaderRequestID = "X-Request-ID"
	// HeaderAPIKey API Key 头
	HeaderAPIKey = "X-API-Key"
	// HeaderClientID 无 API Key 时用于限流的客户端标识
	HeaderClientID = "X-Client-ID"

	keyRequestID = "request_id"
)

// 无需认证、不参与限流的路径
var publicPaths = map[string]bool{
	"/.well-known/agent.json": true,
	"/health":                 true,
	"/metrics":                true,
}

// IsPublic 路径是否公开
func IsPublic(path string) bool {
	return publicPaths[path]
}

// Config 中间件配置
type Config struct {
	RequireAuth bool
	APIKeys     []string
	// Limiter 为 nil 时不限流
	Limiter resilience.Admitter
	Logger  *log.Logger
}

// Middleware 中间件管理器
type Middleware struct {
	requireAuth bool
	apiKeys     [][]byte
	limiter     resilience.Admitter
	logger      *log.Logger
}

// NewMiddleware 创建中间件管理器
func NewMiddleware(cfg Config) *Middleware {
	keys := make([][]byte, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys = append(keys, []byte(k))
		}
	}
	return &Middleware{
		requireAuth: cfg.RequireAuth,
		apiKeys:     keys,
		limiter:     cfg.Limiter,
		logger:      log.OrDefault(cfg.Logger).With("component", "http"),
	}
}

// RequestID 透传或生成请求 ID，写入响应头与上下文
func (m *Middleware) RequestID() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		id := strings.TrimSpace(string(c.GetHeader(HeaderRequestID)))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(keyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next(ctx)
	}
}

// RequestIDFrom 取当前请求 ID
func RequestIDFrom(c *app.RequestContext) string {
	return c.GetString(keyRequestID)
}

// ErrorBody 统一错误响应体
func ErrorBody(c *app.RequestContext, errorType, message string) utils.H {
	return utils.H{
		"status":     "error",
		"error_type": errorType,
		"message":    message,
		"request_id": RequestIDFrom(c),
	}
}

// Auth require_auth 开启时校验 X-API-Key：缺失 401，不匹配 403
func (m *Middleware) Auth() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if !m.requireAuth || IsPublic(string(c.Path())) {
			c.Next(ctx)
			return
		}
		key := c.GetHeader(HeaderAPIKey)
		if len(key) == 0 {
			c.AbortWithStatusJSON(consts.StatusUnauthorized,
				ErrorBody(c, "authentication_required", "API key is required. Include X-API-Key header."))
			return
		}
		if !m.validKey(key) {
			m.logger.Warn("无效 API Key", "request_id", RequestIDFrom(c), "client_ip", c.ClientIP())
			c.AbortWithStatusJSON(consts.StatusForbidden, ErrorBody(c, "invalid_api_key", "Invalid API key"))
			return
		}
		c.Next(ctx)
	}
}

// validKey 逐个常量时间比较，不提前返回
func (m *Middleware) validKey(key []byte) bool {
	ok := 0
	for _, k := range m.apiKeys {
		ok |= subtle.ConstantTimeCompare(key, k)
	}
	return ok == 1
}

// ClientKey 限流维度：API Key 前 16 位 > X-Client-ID > 客户端 IP
func ClientKey(c *app.RequestContext) string {
	if key := string(c.GetHeader(HeaderAPIKey)); key != "" {
		if len(key) > 16 {
			key = key[:16]
		}
		return "apikey:" + key
	}
	if id := string(c.GetHeader(HeaderClientID)); id != "" {
		return "client:" + id
	}
	if fwd := string(c.GetHeader("X-Forwarded-For")); fwd != "" {
		ip, _, _ := strings.Cut(fwd, ",")
		return "ip:" + strings.TrimSpace(ip)
	}
	return "ip:" + c.ClientIP()
}

// RateLimit 非阻塞限流；拒绝时 429 并带 retry_after。限流后端故障时放行并告警。
func (m *Middleware) RateLimit() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if m.limiter == nil || IsPublic(string(c.Path())) {
			c.Next(ctx)
			return
		}
		d, err := m.limiter.Allow(ctx, ClientKey(c))
		if err != nil {
			m.logger.Warn("限流后端不可用，放行请求", "request_id", RequestIDFrom(c), "error", err)
			c.Next(ctx)
			return
		}
		setRateHeaders(c, d)
		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			body := ErrorBody(c, "rate_limit_exceeded", "Rate limit exceeded. Please retry after the specified time.")
			body["retry_after"] = retryAfter
			body["limit"] = d.Limit
			c.AbortWithStatusJSON(consts.StatusTooManyRequests, body)
			return
		}
		c.Next(ctx)
	}
}

func setRateHeaders(c *app.RequestContext, d resilience.Decision) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// AccessLog 访问日志与请求计数
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)
		code := c.Response.StatusCode()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
		m.logger.Info("http request",
			"request_id", RequestIDFrom(c),
			"method", string(c.Method()),
			"path", string(c.Path()),
			"status", code,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

// Recovery 捕获 panic 返回 500
func (m *Middleware) Recovery() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("handler panic", "request_id", RequestIDFrom(c), "panic", r)
				c.AbortWithStatusJSON(consts.StatusInternalServerError, ErrorBody(c, "internal_error", "internal server error"))
			}
		}()
		c.Next(ctx)
	}
}
