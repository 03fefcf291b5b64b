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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Grpc       GrpcConfig       `mapstructure:"grpc"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port           int                 `mapstructure:"port"`
	Host           string              `mapstructure:"host"`
	RequestTimeout time.Duration       `mapstructure:"request_timeout"`
	RequireAuth    bool                `mapstructure:"require_auth"`
	APIKeys        []string            `mapstructure:"api_keys"`
	RateLimit      HTTPRateLimitConfig `mapstructure:"rate_limit"`
}

// HTTPRateLimitConfig 入口限流：按 API Key / client id / IP 计数
type HTTPRateLimitConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Backend  string        `mapstructure:"backend"`  // memory | redis
	MaxKeys  int           `mapstructure:"max_keys"` // memory 后端最多跟踪的 key 数
}

// AgentConfig 风险 Agent 配置
type AgentConfig struct {
	Name            string  `mapstructure:"name"`
	Mode            string  `mapstructure:"mode"`              // mock | live
	CriticalDropPct float64 `mapstructure:"critical_drop_pct"` // 流动性下跌超过该百分比判为 CRITICAL
	WarningDropPct  float64 `mapstructure:"warning_drop_pct"`
	Action          float64 `mapstructure:"action"` // 世界模型假设的治理动作（1.0 = 提案通过）
	EventBatch      int     `mapstructure:"event_batch"`
	Seed            int64   `mapstructure:"seed"`
}

// ResilienceConfig 熔断、重试与限流配置，按依赖名索引
type ResilienceConfig struct {
	Breakers   map[string]BreakerConfig   `mapstructure:"breakers"`
	Retry      RetryConfig                `mapstructure:"retry"`
	RateLimits map[string]RateLimitConfig `mapstructure:"rate_limits"`
}

// BreakerConfig 单个熔断器配置
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// RetryConfig 指数退避重试配置
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ExponentialBase float64       `mapstructure:"exponential_base"`
	Jitter          bool          `mapstructure:"jitter"`
}

// RateLimitConfig 令牌桶：Per 时间内 Rate 个令牌
type RateLimitConfig struct {
	Rate int           `mapstructure:"rate"`
	Per  time.Duration `mapstructure:"per"`
}

// LLMConfig Ambient LLM 配置（OpenAI 兼容 completions 接口）
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
}

// MemoryConfig Letta 长期记忆配置
type MemoryConfig struct {
	Enable  bool          `mapstructure:"enable"`
	BaseURL string        `mapstructure:"base_url"`
	AgentID string        `mapstructure:"agent_id"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LedgerConfig 预测账本存储配置
type LedgerConfig struct {
	Backend   string          `mapstructure:"backend"` // file | memory | postgres | sqlite
	Dir       string          `mapstructure:"dir"`
	DSN       string          `mapstructure:"dsn"`
	Fsync     bool            `mapstructure:"fsync"`
	Validator ValidatorConfig `mapstructure:"validator"`
}

// ValidatorConfig 自动回填实际值
type ValidatorConfig struct {
	Enable   bool          `mapstructure:"enable"`
	Delay    time.Duration `mapstructure:"delay"`
	Interval time.Duration `mapstructure:"interval"`
	Noise    float64       `mapstructure:"noise"`
}

// AuditConfig 推理链审计存储配置
type AuditConfig struct {
	Backend string `mapstructure:"backend"` // file | memory | postgres
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig Redis 连接（分布式限流）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SecretsConfig Secret 来源
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | vault
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接参数
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// GrpcConfig gRPC 健康检查服务配置
type GrpcConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.require_auth", false)
	v.SetDefault("api.rate_limit.enable", true)
	v.SetDefault("api.rate_limit.requests", 100)
	v.SetDefault("api.rate_limit.window", "60s")
	v.SetDefault("api.rate_limit.backend", "memory")
	v.SetDefault("api.rate_limit.max_keys", 10000)

	v.SetDefault("agent.name", "SenseForge")
	v.SetDefault("agent.mode", "mock")
	v.SetDefault("agent.critical_drop_pct", 10.0)
	v.SetDefault("agent.warning_drop_pct", 5.0)
	v.SetDefault("agent.action", 1.0)
	v.SetDefault("agent.event_batch", 5)

	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.initial_delay", "1s")
	v.SetDefault("resilience.retry.max_delay", "60s")
	v.SetDefault("resilience.retry.exponential_base", 2.0)
	v.SetDefault("resilience.retry.jitter", true)

	v.SetDefault("llm.base_url", "https://api.ambient.xyz")
	v.SetDefault("llm.model", "ambient-1")
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 500)

	v.SetDefault("memory.base_url", "https://api.letta.com/v1")
	v.SetDefault("memory.agent_id", "senseforge-risk-001")
	v.SetDefault("memory.timeout", "10s")

	v.SetDefault("ledger.backend", "file")
	v.SetDefault("ledger.dir", "data/predictions")
	v.SetDefault("ledger.validator.enable", false)
	v.SetDefault("ledger.validator.delay", "5m")
	v.SetDefault("ledger.validator.interval", "60s")
	v.SetDefault("ledger.validator.noise", 0.05)

	v.SetDefault("audit.backend", "file")
	v.SetDefault("audit.dir", "data/reasoning_logs")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.vault.path_prefix", "secret")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.service_name", "senseforge")
	v.SetDefault("grpc.port", 9090)
}

// LoadConfig 加载配置文件；configPath 为空时只使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SENSEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// expandEnv 形如 ${VAR} 的值替换为环境变量，未设置时保持原样
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return s
	}
	envVar := strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// expandSecret 同 expandEnv，但未展开的占位符视为未配置
func expandSecret(s string) string {
	if s = expandEnv(s); strings.HasPrefix(s, "${") {
		return ""
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	config.LLM.APIKey = expandSecret(config.LLM.APIKey)
	config.Memory.APIKey = expandSecret(config.Memory.APIKey)
	config.Ledger.DSN = expandEnv(config.Ledger.DSN)
	config.Audit.DSN = expandEnv(config.Audit.DSN)
	config.Redis.Password = expandSecret(config.Redis.Password)
	config.Secrets.Vault.Token = expandSecret(config.Secrets.Vault.Token)
	keys := config.API.APIKeys[:0]
	for _, k := range config.API.APIKeys {
		if k = expandSecret(k); k != "" {
			keys = append(keys, k)
		}
	}
	config.API.APIKeys = keys
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	switch c.Agent.Mode {
	case "mock", "live":
	default:
		return fmt.Errorf("agent.mode 必须为 mock 或 live，当前 %q", c.Agent.Mode)
	}
	switch c.Ledger.Backend {
	case "memory", "file":
	case "postgres", "sqlite":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.backend=%s 需要 ledger.dsn", c.Ledger.Backend)
		}
	default:
		return fmt.Errorf("未知 ledger.backend %q", c.Ledger.Backend)
	}
	switch c.Audit.Backend {
	case "memory", "file":
	case "postgres":
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.backend=postgres 需要 audit.dsn")
		}
	default:
		return fmt.Errorf("未知 audit.backend %q", c.Audit.Backend)
	}
	if rl := c.API.RateLimit; rl.Enable {
		if rl.Requests <= 0 || rl.Window <= 0 {
			return fmt.Errorf("api.rate_limit 需要正的 requests 与 window")
		}
		if rl.Backend != "memory" && rl.Backend != "redis" {
			return fmt.Errorf("未知 api.rate_limit.backend %q", rl.Backend)
		}
	}
	for name, b := range c.Resilience.Breakers {
		if b.FailureThreshold < 1 || b.RecoveryTimeout <= 0 {
			return fmt.Errorf("resilience.breakers.%s 配置非法", name)
		}
	}
	for name, rl := range c.Resilience.RateLimits {
		if rl.Rate <= 0 || rl.Per <= 0 {
			return fmt.Errorf("resilience.rate_limits.%s 需要正的 rate 与 per", name)
		}
	}
	return nil
}

// Breaker 返回依赖的熔断配置，未配置时用默认值（5 次失败，60s 恢复）
func (r ResilienceConfig) Breaker(name string) BreakerConfig {
	if b, ok := r.Breakers[name]; ok {
		return b
	}
	return BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second}
}

// RateLimit 返回依赖的出站限流配置，未配置时每分钟 10 次
func (r ResilienceConfig) RateLimit(name string) RateLimitConfig {
	if rl, ok := r.RateLimits[name]; ok {
		return rl
	}
	return RateLimitConfig{Rate: 10, Per: time.Minute}
}

// LoadAPIConfig 加载 API 配置（configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}
