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

package ledger

import (
	"context"
	"sync"
)

// Store 账本的持久化后端，只追加。Load 按写入顺序返回全部预测与回填记录。
type Store interface {
	AppendPrediction(ctx context.Context, p Prediction) error
	AppendUpdate(ctx context.Context, u Update) error
	Load(ctx context.Context) ([]Prediction, []Update, error)
	Close() error
}

// MemoryStore 内存实现，用于测试与 mock 模式
type MemoryStore struct {
	mu          sync.Mutex
	predictions []Prediction
	updates     []Update
	// FailWith 非 nil 时所有追加返回该错误，用于测试存储故障
	FailWith error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendPrediction 实现 Store
func (s *MemoryStore) AppendPrediction(_ context.Context, p Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.predictions = append(s.predictions, clonePrediction(&p))
	return nil
}

// AppendUpdate 实现 Store
func (s *MemoryStore) AppendUpdate(_ context.Context, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.updates = append(s.updates, u)
	return nil
}

// Load 实现 Store
func (s *MemoryStore) Load(_ context.Context) ([]Prediction, []Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preds := make([]Prediction, 0, len(s.predictions))
	for i := range s.predictions {
		preds = append(preds, clonePrediction(&s.predictions[i]))
	}
	updates := make([]Update, len(s.updates))
	copy(updates, s.updates)
	return preds, updates, nil
}

// Close 实现 Store
func (s *MemoryStore) Close() error { return nil }
