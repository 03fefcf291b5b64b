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

package grpc

import (
	"context"
	"sync"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"senseforge/internal/resilience"
	"senseforge/pkg/log"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps []resilience.BreakerSnapshot
}

func (f *fakeSource) Snapshots() []resilience.BreakerSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]resilience.BreakerSnapshot(nil), f.snaps...)
}

func (f *fakeSource) set(name string, st resilience.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.snaps {
		if f.snaps[i].Name == name {
			f.snaps[i].State = st
			return
		}
	}
	f.snaps = append(f.snaps, resilience.BreakerSnapshot{Name: name, State: st})
}

func status(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestServer_TracksBreakers(t *testing.T) {
	src := &fakeSource{}
	src.set("ambient_llm", resilience.StateClosed)
	src.set("letta_memory", resilience.StateClosed)
	s := NewServer(src, 0, log.Nop())

	if got := status(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v, want SERVING", got)
	}
	if got := status(t, s, ServicePrefix+"ambient_llm"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("ambient_llm = %v, want SERVING", got)
	}

	src.set("ambient_llm", resilience.StateOpen)
	s.Sync()
	if got := status(t, s, ServicePrefix+"ambient_llm"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("ambient_llm = %v, want NOT_SERVING", got)
	}
	if got := status(t, s, ServicePrefix+"letta_memory"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("letta_memory = %v, want SERVING", got)
	}
	if got := status(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v, want NOT_SERVING", got)
	}

	// HALF_OPEN 允许探测，视为可服务
	src.set("ambient_llm", resilience.StateHalfOpen)
	s.Sync()
	if got := status(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall after half-open = %v, want SERVING", got)
	}
}

func TestServer_UnknownService(t *testing.T) {
	s := NewServer(nil, 0, log.Nop())
	_, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServicePrefix + "nope"})
	if err == nil {
		t.Fatal("expected NotFound for unknown service")
	}
}

func TestServer_WatchStopsOnCancel(t *testing.T) {
	s := NewServer(&fakeSource{}, 0, log.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch returned %v", err)
	}
}
