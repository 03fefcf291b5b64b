package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 与 CLI 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		BreakerState, BreakerTransitions, BreakerRejections,
		RetryAttempts, RateLimitWaitSeconds, RateLimitRejections,
		ResilientCalls, ResilientCallDuration,
		PredictionsRecorded, PredictionsValidated, PredictionAccuracy,
		ChainsFinalized, ChainDuration, ChainSteps, AuditWriteFailures,
		HTTPRequests,
	)
}

// BreakerState 熔断器当前状态：0 closed，1 open，2 half_open
var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "senseforge_breaker_state",
		Help: "熔断器当前状态（0 closed / 1 open / 2 half_open）",
	},
	[]string{"breaker"},
)

// BreakerTransitions 熔断器状态迁移次数
var BreakerTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_breaker_transitions_total",
		Help: "熔断器状态迁移次数",
	},
	[]string{"breaker", "from", "to"},
)

// BreakerRejections 熔断打开期间被直接拒绝的调用数
var BreakerRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_breaker_rejections_total",
		Help: "熔断打开期间被拒绝的调用数",
	},
	[]string{"breaker"},
)

// RetryAttempts 重试结果计数
var RetryAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_retry_attempts_total",
		Help: "重试尝试次数（按结果）",
	},
	[]string{"operation", "outcome"}, // retried | exhausted | aborted
)

// RateLimitWaitSeconds 限流等待耗时（秒）
var RateLimitWaitSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "senseforge_rate_limit_wait_seconds",
		Help:    "限流等待耗时（秒）",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	},
	[]string{"limiter"},
)

// RateLimitRejections 非阻塞准入被拒绝次数（HTTP 429）
var RateLimitRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_rate_limit_rejections_total",
		Help: "限流拒绝次数",
	},
	[]string{"limiter"},
)

// ResilientCalls 受保护外部调用次数（按结果）
var ResilientCalls = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_resilient_calls_total",
		Help: "受保护外部调用次数",
	},
	[]string{"client", "outcome"}, // success | failure | rejected | cancelled
)

// ResilientCallDuration 受保护外部调用耗时（秒），含限流等待与重试
var ResilientCallDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "senseforge_resilient_call_duration_seconds",
		Help:    "受保护外部调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"client"},
)

// PredictionsRecorded 写入 ledger 的预测数
var PredictionsRecorded = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "senseforge_predictions_recorded_total",
		Help: "写入的预测数",
	},
)

// PredictionsValidated 已回填实际值的预测数
var PredictionsValidated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "senseforge_predictions_validated_total",
		Help: "回填实际值的预测数",
	},
)

// PredictionAccuracy 最近一次统计的精度指标
var PredictionAccuracy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "senseforge_prediction_accuracy",
		Help: "最近一次统计的预测精度指标",
	},
	[]string{"stat"}, // accuracy_pct | mae | rmse | mape
)

// ChainsFinalized 落盘的推理链数
var ChainsFinalized = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "senseforge_reasoning_chains_total",
		Help: "落盘的推理链数",
	},
)

// ChainDuration 推理链总耗时（秒）
var ChainDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "senseforge_reasoning_chain_duration_seconds",
		Help:    "推理链总耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// ChainSteps 每条推理链的步骤数
var ChainSteps = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "senseforge_reasoning_chain_steps",
		Help:    "每条推理链的步骤数",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13, 21},
	},
)

// AuditWriteFailures 审计写入失败次数（请求路径降级继续）
var AuditWriteFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "senseforge_audit_write_failures_total",
		Help: "审计写入失败次数",
	},
)

// HTTPRequests HTTP 请求数
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "senseforge_http_requests_total",
		Help: "HTTP 请求数",
	},
	[]string{"route", "code"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
