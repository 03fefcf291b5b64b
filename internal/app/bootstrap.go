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

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"senseforge/internal/agent"
	"senseforge/internal/audit"
	"senseforge/internal/ledger"
	"senseforge/internal/memory"
	"senseforge/internal/model/llm"
	"senseforge/internal/resilience"
	"senseforge/pkg/config"
	"senseforge/pkg/log"
	"senseforge/pkg/secrets"
)

// 受保护依赖名，同时用作熔断/限流配置的 key
const (
	DepLLM    = "ambient_llm"
	DepMemory = "letta_memory"
)

// Secret 名
const (
	SecretAmbientKey = "AMBIENT_API_KEY"
	SecretLettaKey   = "LETTA_API_KEY"
	SecretAPIKeys    = "SENSEFORGE_API_KEYS"
)

// Bootstrap 统一初始化：供 api 与 cli 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Secrets  secrets.Store
	Registry *resilience.Registry
	Ledger   *ledger.Ledger
	Trail    *audit.Trail
	Pipeline *agent.Pipeline
	// Validator 未开启自动回填时为 nil
	Validator *ledger.Validator
	// HTTPLimiter 入口限流，未开启时为 nil
	HTTPLimiter resilience.Admitter
	APIKeys     []string
	MemoryMode  string

	closers []func() error
}

// NewLogger 按配置创建 Logger
func NewLogger(cfg *config.Config) (*log.Logger, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return logger, nil
}

// NewBootstrap 根据配置装配全部组件；任一步失败时已打开的资源会被关闭
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	b := &Bootstrap{Config: cfg, Logger: logger, Registry: resilience.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secret store 失败: %w", err)
	}
	if err := b.resolveAPIKeys(ctx); err != nil {
		return nil, err
	}

	var closeLedger func() error
	b.Ledger, closeLedger, err = OpenLedger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeLedger)

	var closeTrail func() error
	b.Trail, closeTrail, err = OpenTrail(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, closeTrail)

	if err := b.buildHTTPLimiter(); err != nil {
		return nil, err
	}
	if err := b.buildPipeline(ctx); err != nil {
		return nil, err
	}

	if v := cfg.Ledger.Validator; v.Enable {
		b.Validator = ledger.NewValidator(b.Ledger, ledger.NoisySource{Noise: v.Noise}, ledger.ValidatorConfig{
			Delay:    v.Delay,
			Interval: v.Interval,
			Logger:   logger,
		})
	}
	ok = true
	logger.Info("初始化完成", "mode", cfg.Agent.Mode, "ledger", cfg.Ledger.Backend, "audit", cfg.Audit.Backend,
		"memory", b.MemoryMode, "predictions", b.Ledger.Len())
	return b, nil
}

// resolveAPIKeys 合并配置中的 api_keys 与 secret SENSEFORGE_API_KEYS（逗号分隔）
func (b *Bootstrap) resolveAPIKeys(ctx context.Context) error {
	keys := append([]string(nil), b.Config.API.APIKeys...)
	extra, err := secrets.Lookup(ctx, b.Secrets, SecretAPIKeys, "")
	if err != nil {
		return fmt.Errorf("读取 %s 失败: %w", SecretAPIKeys, err)
	}
	for _, k := range strings.Split(extra, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if b.Config.API.RequireAuth && len(keys) == 0 {
		return fmt.Errorf("api.require_auth 开启时至少配置一个 API Key（api.api_keys 或 %s）", SecretAPIKeys)
	}
	b.APIKeys = keys
	return nil
}

// OpenLedger 按 ledger.backend 打开账本，返回关闭函数
func OpenLedger(ctx context.Context, cfg *config.Config, logger *log.Logger) (*ledger.Ledger, func() error, error) {
	var store ledger.Store
	switch cfg.Ledger.Backend {
	case "memory":
		store = ledger.NewMemoryStore()
	case "file", "":
		fs, err := ledger.NewFileStore(cfg.Ledger.Dir, ledger.WithFsync(cfg.Ledger.Fsync), ledger.WithFileLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("打开账本目录失败: %w", err)
		}
		store = fs
	case "postgres":
		ps, err := ledger.OpenPgStore(ctx, cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("连接账本数据库失败: %w", err)
		}
		store = ps
	case "sqlite":
		if dir := filepath.Dir(cfg.Ledger.DSN); cfg.Ledger.DSN != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("创建 sqlite 目录失败: %w", err)
			}
		}
		ss, err := ledger.OpenSQLiteStore(cfg.Ledger.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("打开 sqlite 账本失败: %w", err)
		}
		store = ss
	default:
		return nil, nil, fmt.Errorf("未知 ledger.backend %q", cfg.Ledger.Backend)
	}
	l, err := ledger.Open(ctx, store, ledger.WithLogger(logger))
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("加载账本失败: %w", err)
	}
	return l, l.Close, nil
}

// OpenTrail 按 audit.backend 打开推理链审计，返回关闭函数
func OpenTrail(ctx context.Context, cfg *config.Config, logger *log.Logger) (*audit.Trail, func() error, error) {
	noop := func() error { return nil }
	var store audit.Store
	closeFn := noop
	switch cfg.Audit.Backend {
	case "memory":
		store = audit.NewMemoryStore()
	case "file", "":
		fs, err := audit.NewFileStore(cfg.Audit.Dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("打开审计目录失败: %w", err)
		}
		store = fs
	case "postgres":
		ps, err := audit.OpenPgStore(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("连接审计数据库失败: %w", err)
		}
		store = ps
		closeFn = func() error { ps.Close(); return nil }
	default:
		return nil, nil, fmt.Errorf("未知 audit.backend %q", cfg.Audit.Backend)
	}
	return audit.NewTrail(store, audit.WithLogger(logger)), closeFn, nil
}

// buildHTTPLimiter 入口限流：memory 为进程内令牌桶，redis 为多实例共享滑动窗口
func (b *Bootstrap) buildHTTPLimiter() error {
	rl := b.Config.API.RateLimit
	if !rl.Enable {
		return nil
	}
	lcfg := resilience.LimiterConfig{Name: "http", Rate: rl.Requests, Per: rl.Window, MaxKeys: rl.MaxKeys}
	if rl.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     b.Config.Redis.Addr,
			Password: b.Config.Redis.Password,
			DB:       b.Config.Redis.DB,
		})
		b.closers = append(b.closers, client.Close)
		lim, err := resilience.NewRedisLimiter(client, lcfg)
		if err != nil {
			return err
		}
		b.HTTPLimiter = lim
		b.Logger.Info("入口限流使用 Redis", "addr", b.Config.Redis.Addr)
		return nil
	}
	lim, err := resilience.NewKeyedLimiter(lcfg)
	if err != nil {
		return err
	}
	b.HTTPLimiter = lim
	return nil
}

// guard 为依赖 name 创建 限流 -> 熔断 -> 重试 客户端并登记到 Registry
func (b *Bootstrap) guard(name string, retryable func(error) bool) (*resilience.Client, error) {
	rc := b.Config.Resilience
	bc := rc.Breaker(name)
	lc := rc.RateLimit(name)
	lim, err := resilience.NewKeyedLimiter(resilience.LimiterConfig{Name: name, Rate: lc.Rate, Per: lc.Per})
	if err != nil {
		return nil, err
	}
	c, err := resilience.NewClient(resilience.ClientConfig{
		Name: name,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: bc.FailureThreshold,
			RecoveryTimeout:  bc.RecoveryTimeout,
			IsFailure:        retryable,
		},
		Retry: resilience.RetryPolicy{
			MaxAttempts:     rc.Retry.MaxAttempts,
			InitialDelay:    rc.Retry.InitialDelay,
			MaxDelay:        rc.Retry.MaxDelay,
			ExponentialBase: rc.Retry.ExponentialBase,
			Jitter:          rc.Retry.Jitter,
			Retryable:       retryable,
		},
		Limiter: lim,
		Logger:  b.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 %s 保护失败: %w", name, err)
	}
	b.Registry.Register(c)
	return c, nil
}

func (b *Bootstrap) buildPipeline(ctx context.Context) error {
	cfg := b.Config
	var strategistLLM llm.Client
	var mem memory.Store
	b.MemoryMode = "mock"

	if cfg.Agent.Mode == "live" {
		key, err := secrets.Lookup(ctx, b.Secrets, SecretAmbientKey, cfg.LLM.APIKey)
		if err != nil {
			return fmt.Errorf("读取 %s 失败: %w", SecretAmbientKey, err)
		}
		if key == "" {
			return fmt.Errorf("agent.mode=live 需要 %s", SecretAmbientKey)
		}
		ambient, err := llm.NewAmbientClient(llm.AmbientConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      key,
			Timeout:     cfg.LLM.Timeout,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
		if err != nil {
			return err
		}
		g, err := b.guard(DepLLM, llm.Retryable)
		if err != nil {
			return err
		}
		strategistLLM = llm.NewGuardedClient(ambient, g)

		if cfg.Memory.Enable {
			lettaKey, err := secrets.Lookup(ctx, b.Secrets, SecretLettaKey, cfg.Memory.APIKey)
			if err != nil {
				return fmt.Errorf("读取 %s 失败: %w", SecretLettaKey, err)
			}
			mg, err := b.guard(DepMemory, nil)
			if err != nil {
				return err
			}
			letta, err := memory.NewLettaClient(memory.LettaConfig{
				BaseURL: cfg.Memory.BaseURL,
				AgentID: cfg.Memory.AgentID,
				APIKey:  lettaKey,
				Timeout: cfg.Memory.Timeout,
				Logger:  b.Logger,
			}, mg)
			if err != nil {
				return err
			}
			mem = letta
			b.MemoryMode = "live"
		}
	}
	if mem == nil {
		mem = memory.NewMockStore()
	}

	seed := cfg.Agent.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p, err := agent.NewPipeline(agent.PipelineConfig{
		Analyst: agent.NewAnalyst(agent.NewMockSource(seed), cfg.Agent.EventBatch, 5*time.Second, b.Logger),
		Model:   agent.NewLinearModel(),
		Strategist: agent.NewStrategist(strategistLLM, agent.Thresholds{
			CriticalDropPct: cfg.Agent.CriticalDropPct,
			WarningDropPct:  cfg.Agent.WarningDropPct,
		}, b.Logger),
		Auditor: agent.NewAuditor(),
		Ledger:  b.Ledger,
		Trail:   b.Trail,
		Memory:  mem,
		Action:  cfg.Agent.Action,
		Mode:    cfg.Agent.Mode,
		Logger:  b.Logger,
	})
	if err != nil {
		return err
	}
	b.Pipeline = p
	return nil
}

// Close 逆序关闭已打开的资源
func (b *Bootstrap) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
