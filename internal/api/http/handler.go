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

// Package http 风险 Agent 的 HTTP 接口（Hertz）
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/go-playground/validator/v10"

	"senseforge/internal/agent"
	"senseforge/internal/api/http/middleware"
	"senseforge/internal/audit"
	"senseforge/internal/ledger"
	"senseforge/internal/resilience"
	pkgerrors "senseforge/pkg/errors"
	"senseforge/pkg/log"
	"senseforge/pkg/metrics"
)

// QueryRunner 执行一次风险评估（*agent.Pipeline）
type QueryRunner interface {
	Run(ctx context.Context, q agent.Query) (agent.Result, error)
}

// PredictionLedger HTTP 用到的账本能力（*ledger.Ledger）
type PredictionLedger interface {
	Recent(limit int, includeUnvalidated bool) []ledger.Prediction
	AccuracyStats(window time.Duration) ledger.Stats
	UpdateActual(ctx context.Context, id string, actual float64) error
	Get(ctx context.Context, id string) (ledger.Prediction, error)
	Len() int
}

// ReasoningTrail HTTP 用到的审计能力（*audit.Trail）
type ReasoningTrail interface {
	Get(ctx context.Context, id string) (audit.Record, error)
	SummaryReport(ctx context.Context, window time.Duration) (audit.Summary, error)
}

// BreakerHealth 熔断器健康来源（*resilience.Registry）
type BreakerHealth interface {
	Snapshots() []resilience.BreakerSnapshot
	Degraded() bool
}

// AgentCard /.well-known/agent.json 的内容
type AgentCard struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Endpoints    []string `json:"endpoints"`
}

// DefaultAgentCard 默认 Agent Card
func DefaultAgentCard(name string) AgentCard {
	return AgentCard{
		Name:        name,
		Description: "Predictive liquidity-risk agent for DeFi governance proposals",
		Version:     "2.0",
		Capabilities: []string{
			"liquidity_risk_prediction",
			"governance_proposal_audit",
			"prediction_accuracy_tracking",
			"reasoning_audit_trail",
		},
		Endpoints: []string{
			"/query", "/health", "/metrics", "/predictions", "/predictions/accuracy", "/reasoning/summary",
		},
	}
}

// HandlerConfig Handler 依赖；Breakers 可为 nil
type HandlerConfig struct {
	Pipeline QueryRunner
	Ledger   PredictionLedger
	Trail    ReasoningTrail
	Breakers BreakerHealth
	Card     AgentCard
	Mode     string
	// MemoryMode mock | live | disabled
	MemoryMode string
	// QueryTimeout 单次 /query 的处理上限，<=0 不限
	QueryTimeout time.Duration
	Logger       *log.Logger
}

// Handler HTTP 处理器
type Handler struct {
	cfg      HandlerConfig
	validate *validator.Validate
	logger   *log.Logger
}

var proposalIDPattern = regexp.MustCompile(`^PROP-\d{1,10}$`)

// NewHandler 创建 HTTP 处理器
func NewHandler(cfg HandlerConfig) *Handler {
	v := validator.New()
	_ = v.RegisterValidation("proposal_id", func(fl validator.FieldLevel) bool {
		return proposalIDPattern.MatchString(fl.Field().String())
	})
	if cfg.Mode == "" {
		cfg.Mode = "mock"
	}
	if cfg.Card.Name == "" {
		cfg.Card = DefaultAgentCard("SenseForge")
	}
	return &Handler{cfg: cfg, validate: v, logger: log.OrDefault(cfg.Logger).With("component", "http")}
}

// AgentCard GET /.well-known/agent.json
func (h *Handler) AgentCard(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, utils.H{
		"name":         h.cfg.Card.Name,
		"description":  h.cfg.Card.Description,
		"version":      h.cfg.Card.Version,
		"capabilities": h.cfg.Card.Capabilities,
		"endpoints":    h.cfg.Card.Endpoints,
		"status":       "online",
		"mode":         h.cfg.Mode,
		"last_updated": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheck GET /health；有熔断器 OPEN 时返回 503 degraded
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	components := map[string]string{
		"pipeline": availability(h.cfg.Pipeline != nil),
		"ledger":   availability(h.cfg.Ledger != nil),
		"audit":    availability(h.cfg.Trail != nil),
		"memory":   h.cfg.MemoryMode,
	}
	if components["memory"] == "" {
		components["memory"] = "disabled"
	}
	healthy := h.cfg.Pipeline != nil && h.cfg.Ledger != nil && h.cfg.Trail != nil
	breakers := []resilience.BreakerSnapshot{}
	if h.cfg.Breakers != nil {
		breakers = h.cfg.Breakers.Snapshots()
		if h.cfg.Breakers.Degraded() {
			healthy = false
		}
	}
	body := utils.H{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"mode":       h.cfg.Mode,
		"components": components,
		"breakers":   breakers,
		"version":    h.cfg.Card.Version,
	}
	if h.cfg.Ledger != nil {
		body["predictions"] = h.cfg.Ledger.Len()
	}
	code := consts.StatusOK
	if !healthy {
		body["status"] = "degraded"
		code = consts.StatusServiceUnavailable
	}
	c.JSON(code, body)
}

func availability(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}

// Metrics GET /metrics，Prometheus 文本格式
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.logger.Error("导出指标失败", "error", err)
		c.JSON(consts.StatusInternalServerError, middleware.ErrorBody(c, "internal_error", "Metrics unavailable"))
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type queryRequest struct {
	Query      string         `json:"query" validate:"required,min=1,max=5000"`
	ProposalID string         `json:"proposal_id" validate:"omitempty,proposal_id"`
	Context    string         `json:"context" validate:"max=2000"`
	Metadata   map[string]any `json:"metadata"`
}

// Query POST /query，运行一次完整评估
func (h *Handler) Query(ctx context.Context, c *app.RequestContext) {
	var req queryRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "request body must be a JSON object"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", validationMessage(err)))
		return
	}
	if h.cfg.Pipeline == nil {
		c.JSON(consts.StatusServiceUnavailable, middleware.ErrorBody(c, "service_unavailable", "Service is initializing, please retry"))
		return
	}
	if h.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.QueryTimeout)
		defer cancel()
	}
	res, err := h.cfg.Pipeline.Run(ctx, agent.Query{
		RequestID:  middleware.RequestIDFrom(c),
		Text:       req.Query,
		ProposalID: req.ProposalID,
		Context:    req.Context,
		Metadata:   req.Metadata,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, utils.H{
		"status":     "success",
		"request_id": res.Metadata.RequestID,
		"data":       res,
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "proposal_id":
		return "Invalid proposal ID format. Expected: PROP-<number>"
	case "required":
		return fe.Field() + " is required"
	case "min", "max":
		return fe.Field() + " length must be " + fe.Tag() + " " + fe.Param()
	}
	return fe.Error()
}

// ListPredictions GET /predictions?limit=&include_unvalidated=
func (h *Handler) ListPredictions(ctx context.Context, c *app.RequestContext) {
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "limit must be an integer in [1, 1000]"))
			return
		}
		limit = n
	}
	include := true
	if s := c.Query("include_unvalidated"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "include_unvalidated must be a boolean"))
			return
		}
		include = b
	}
	preds := h.cfg.Ledger.Recent(limit, include)
	c.JSON(consts.StatusOK, utils.H{"predictions": preds, "count": len(preds)})
}

// Accuracy GET /predictions/accuracy?window=24h
func (h *Handler) Accuracy(ctx context.Context, c *app.RequestContext) {
	window, ok := h.window(c)
	if !ok {
		return
	}
	c.JSON(consts.StatusOK, h.cfg.Ledger.AccuracyStats(window))
}

type actualRequest struct {
	ActualLiquidity *float64 `json:"actual_liquidity" validate:"required"`
}

// RecordActual POST /predictions/:id/actual
func (h *Handler) RecordActual(ctx context.Context, c *app.RequestContext) {
	id := c.Param("id")
	var req actualRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "request body must be a JSON object"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "actual_liquidity is required"))
		return
	}
	if err := h.cfg.Ledger.UpdateActual(ctx, id, *req.ActualLiquidity); err != nil {
		h.writeError(c, err)
		return
	}
	p, err := h.cfg.Ledger.Get(ctx, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, p)
}

// ReasoningSummary GET /reasoning/summary?window=24h
func (h *Handler) ReasoningSummary(ctx context.Context, c *app.RequestContext) {
	window, ok := h.window(c)
	if !ok {
		return
	}
	sum, err := h.cfg.Trail.SummaryReport(ctx, window)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, sum)
}

// ReasoningChain GET /reasoning/:id
func (h *Handler) ReasoningChain(ctx context.Context, c *app.RequestContext) {
	rec, err := h.cfg.Trail.Get(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, rec)
}

// window 解析 ?window=，默认 24h，接受 Go duration 或整数小时
func (h *Handler) window(c *app.RequestContext) (time.Duration, bool) {
	s := c.DefaultQuery("window", "24h")
	d, err := time.ParseDuration(s)
	if err != nil {
		if hours, aerr := strconv.Atoi(s); aerr == nil {
			d, err = time.Duration(hours)*time.Hour, nil
		}
	}
	if err != nil || d <= 0 {
		c.JSON(consts.StatusBadRequest, middleware.ErrorBody(c, "validation_error", "window must be a positive duration such as 24h"))
		return 0, false
	}
	return d, true
}

// writeError 按错误类别映射状态码
func (h *Handler) writeError(c *app.RequestContext, err error) {
	code, typ := statusFor(err)
	msg := err.Error()
	if code >= consts.StatusInternalServerError {
		h.logger.Error("请求失败", "request_id", middleware.RequestIDFrom(c), "path", string(c.Path()), "error", err)
		if h.cfg.Mode == "live" && code == consts.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	c.JSON(code, middleware.ErrorBody(c, typ, msg))
}

func statusFor(err error) (int, string) {
	switch {
	case resilience.IsCircuitOpen(err):
		return consts.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return consts.StatusGatewayTimeout, "timeout"
	}
	switch pkgerrors.Kind(err) {
	case pkgerrors.ErrNotFound:
		return consts.StatusNotFound, "not_found"
	case pkgerrors.ErrInvalidArg:
		return consts.StatusBadRequest, "validation_error"
	case pkgerrors.ErrConflict:
		return consts.StatusConflict, "conflict"
	case pkgerrors.ErrUnavailable:
		return consts.StatusServiceUnavailable, "service_unavailable"
	}
	return consts.StatusInternalServerError, "internal_error"
}
