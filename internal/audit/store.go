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

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"senseforge/pkg/log"
)

// FileStore 每条链一个 <chain_id>.json 文件，先写临时文件再 rename
type FileStore struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
}

// NewFileStore 在 dir 下存储推理链
func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: log.OrDefault(logger)}, nil
}

func (s *FileStore) path(id string) (string, bool) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", false
	}
	return filepath.Join(s.dir, id+".json"), true
}

// Save 实现 Store
func (s *FileStore) Save(_ context.Context, rec Record) error {
	path, ok := s.path(rec.ChainID)
	if !ok {
		return fmt.Errorf("invalid chain id %q", rec.ChainID)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal chain %s: %w", rec.ChainID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, rec.ChainID)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+rec.ChainID+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write chain %s: %w", rec.ChainID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync chain %s: %w", rec.ChainID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close chain %s: %w", rec.ChainID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename chain %s: %w", rec.ChainID, err)
	}
	return nil
}

// Get 实现 Store
func (s *FileStore) Get(_ context.Context, id string) (Record, error) {
	path, ok := s.path(id)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return readRecord(path, id)
}

func readRecord(path, id string) (Record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read chain %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode chain %s: %w", id, err)
	}
	return rec, nil
}

// List 实现 Store；无法解析的文件记录告警后跳过
func (s *FileStore) List(_ context.Context, since time.Time) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "chain_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	out := make([]Record, 0, len(paths))
	for _, p := range paths {
		id := strings.TrimSuffix(filepath.Base(p), ".json")
		rec, err := readRecord(p, id)
		if err != nil {
			s.logger.Warn("跳过无法读取的推理链", "file", p, "error", err)
			continue
		}
		if !since.IsZero() && rec.Timestamp.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

// MemoryStore 内存实现
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
	// FailWith 非 nil 时 Save 返回该错误，用于测试
	FailWith error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// Save 实现 Store
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	if _, ok := s.recs[rec.ChainID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ChainID)
	}
	s.recs[rec.ChainID] = rec
	return nil
}

// Get 实现 Store
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List 实现 Store
func (s *MemoryStore) List(_ context.Context, since time.Time) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if since.IsZero() || !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}
