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

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	apigrpc "senseforge/internal/api/grpc"
	"senseforge/internal/api/http"
	"senseforge/internal/api/http/middleware"
	"senseforge/internal/app"
	"senseforge/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：HTTP Router + gRPC 健康检查 + 后台回填
type App struct {
	boot         *app.Bootstrap
	router       *http.Router
	mu           sync.Mutex
	hertz        *server.Hertz
	health       *apigrpc.Server
	grpcServer   *grpcRun
	otelProvider otelProviderShutdown
	logger       *log.Logger
}

// grpcRun 持有 gRPC Server 与 Listener，用于 GracefulStop 时关闭
type grpcRun struct {
	srv *grpc.Server
	lis net.Listener
}

func (g *grpcRun) GracefulStop() {
	if g.srv != nil {
		g.srv.GracefulStop()
	}
	if g.lis != nil {
		_ = g.lis.Close()
	}
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(boot *app.Bootstrap) (*App, error) {
	if boot == nil || boot.Config == nil {
		return nil, errors.New("bootstrap is required")
	}
	cfg := boot.Config
	logger := log.OrDefault(boot.Logger)

	handler := http.NewHandler(http.HandlerConfig{
		Pipeline:     boot.Pipeline,
		Ledger:       boot.Ledger,
		Trail:        boot.Trail,
		Breakers:     boot.Registry,
		Card:         http.DefaultAgentCard(cfg.Agent.Name),
		Mode:         cfg.Agent.Mode,
		MemoryMode:   boot.MemoryMode,
		QueryTimeout: cfg.API.RequestTimeout,
		Logger:       logger,
	})
	mw := middleware.NewMiddleware(middleware.Config{
		RequireAuth: cfg.API.RequireAuth,
		APIKeys:     boot.APIKeys,
		Limiter:     boot.HTTPLimiter,
		Logger:      logger,
	})

	a := &App{
		boot:   boot,
		router: http.NewRouter(handler, mw),
		health: apigrpc.NewServer(boot.Registry, 0, logger),
		logger: logger,
	}
	if cfg.Grpc.Enable && cfg.Grpc.Port > 0 {
		gs, err := listenGRPC(a.health, cfg.Grpc.Port)
		if err != nil {
			return nil, fmt.Errorf("gRPC 监听失败: %w", err)
		}
		a.grpcServer = gs
	}
	return a, nil
}

// Run 启动 HTTP 服务并阻塞，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.boot.Config
	a.logger.Info("API 服务启动", "addr", addr, "mode", cfg.Agent.Mode)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	h := a.buildServer(addr)
	a.mu.Lock()
	a.hertz = h
	a.mu.Unlock()
	return h.Run()
}

// buildServer 可选启用链路追踪（OpenTelemetry）
func (a *App) buildServer(addr string) *server.Hertz {
	tc := a.boot.Config.Monitoring.Tracing
	if !tc.Enable {
		return a.router.Build(addr)
	}
	endpoint := tc.ExportEndpoint
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		a.logger.Warn("链路追踪已开启但未配置 export endpoint，跳过")
		return a.router.Build(addr)
	}
	name := tc.ServiceName
	if name == "" {
		name = "senseforge-api"
	}
	opts := []provider.Option{
		provider.WithServiceName(name),
		provider.WithExportEndpoint(endpoint),
	}
	if tc.Insecure {
		opts = append(opts, provider.WithInsecure())
	}
	a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
	tracerOpt, tcfg := hertztracing.NewServerTracer()
	h := a.router.Build(addr, tracerOpt)
	h.Use(hertztracing.ServerMiddleware(tcfg))
	a.logger.Info("链路追踪已启用", "service_name", name, "endpoint", endpoint)
	return h
}

// RunBackground 运行 gRPC 健康检查、熔断状态同步与预测回填，ctx 取消后返回
func (a *App) RunBackground(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.grpcServer != nil {
		gs := a.grpcServer
		a.logger.Info("gRPC 健康检查已启动", "addr", gs.lis.Addr().String())
		g.Go(func() error {
			if err := gs.srv.Serve(gs.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return a.health.Watch(gctx) })
	if v := a.boot.Validator; v != nil {
		g.Go(func() error { return v.Run(gctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.mu.Lock()
	h := a.hertz
	a.mu.Unlock()
	if h != nil {
		if err := h.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hertz shutdown: %w", err))
		}
	}
	a.health.Shutdown()
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.otelProvider != nil {
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
		}
	}
	if err := a.boot.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ShutdownTimeout cmd 层默认的关闭等待时间
const ShutdownTimeout = 30 * time.Second

// listenGRPC 创建 gRPC Server 并注册健康检查；Serve 由 RunBackground 负责
func listenGRPC(health *apigrpc.Server, port int) (*grpcRun, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	health.Register(srv)
	return &grpcRun{srv: srv, lis: lis}, nil
}
