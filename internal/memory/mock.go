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

package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// MockStore 进程内情景记忆；Search 按 liquidity_depth 的接近程度排序
type MockStore struct {
	mu       sync.RWMutex
	episodes []Episode
}

// NewMockStore 创建 MockStore
func NewMockStore() *MockStore {
	return &MockStore{}
}

// StoreEpisode 实现 Store
func (m *MockStore) StoreEpisode(_ context.Context, ep Episode) error {
	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.episodes = append(m.episodes, ep)
	m.mu.Unlock()
	return nil
}

// Search 实现 Store
func (m *MockStore) Search(_ context.Context, state map[string]any, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	target := num(state, "liquidity_depth")
	m.mu.RLock()
	out := make([]Episode, len(m.episodes))
	copy(out, m.episodes)
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(num(out[i].State, "liquidity_depth")-target) <
			math.Abs(num(out[j].State, "liquidity_depth")-target)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats 记忆统计
func (m *MockStore) Stats() Stats {
	m.mu.RLock()
	n := len(m.episodes)
	m.mu.RUnlock()
	return Stats{Mode: "mock", TotalEpisodes: &n}
}
