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

// Package grpc 提供标准 grpc.health.v1 服务，按熔断器状态上报可用性。
package grpc

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"senseforge/internal/resilience"
	"senseforge/pkg/log"
)

// ServicePrefix 每个熔断器对应的健康检查服务名前缀
const ServicePrefix = "senseforge.breaker."

// Snapshotter 熔断器快照来源（*resilience.Registry）
type Snapshotter interface {
	Snapshots() []resilience.BreakerSnapshot
}

// Server 健康检查服务：熔断器 OPEN 时对应服务为 NOT_SERVING，整体服务（""）在任一熔断器 OPEN 时 NOT_SERVING
type Server struct {
	health   *health.Server
	source   Snapshotter
	interval time.Duration
	logger   *log.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer 创建健康检查服务；interval 为轮询周期，<=0 时取 5s
func NewServer(source Snapshotter, interval time.Duration, logger *log.Logger) *Server {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Server{
		health:   health.NewServer(),
		source:   source,
		interval: interval,
		logger:   log.OrDefault(logger).With("component", "grpc_health"),
		last:     make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	s.Sync()
	return s
}

// Register 注册到 grpc.Server
func (s *Server) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Health 底层 health.Server
func (s *Server) Health() *health.Server { return s.health }

// Sync 读取一次快照并更新各服务状态
func (s *Server) Sync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	overall := healthpb.HealthCheckResponse_SERVING
	if s.source != nil {
		for _, snap := range s.source.Snapshots() {
			st := healthpb.HealthCheckResponse_SERVING
			if snap.State == resilience.StateOpen {
				st = healthpb.HealthCheckResponse_NOT_SERVING
				overall = st
			}
			s.set(ServicePrefix+snap.Name, st)
		}
	}
	s.set("", overall)
}

func (s *Server) set(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	if prev, ok := s.last[service]; ok && prev == st {
		return
	}
	s.last[service] = st
	s.health.SetServingStatus(service, st)
	if service != "" {
		s.logger.Info("健康状态变化", "service", service, "status", st.String())
	}
}

// Watch 按周期同步，直到 ctx 结束
func (s *Server) Watch(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Shutdown 所有服务置为 NOT_SERVING
func (s *Server) Shutdown() {
	s.health.Shutdown()
}
