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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"senseforge/pkg/log"
)

const (
	predictionsFile = "predictions.jsonl"
	updatesFile     = "prediction_updates.jsonl"
)

// FileStore JSONL 文件存储：predictions.jsonl 与 prediction_updates.jsonl。
// 每次追加是对 O_APPEND 文件的一次完整行写入。
type FileStore struct {
	dir     string
	fsync   bool
	logger  *log.Logger
	mu      sync.Mutex
	preds   *os.File
	updates *os.File
}

// FileOption FileStore 可选项
type FileOption func(*FileStore)

// WithFsync 每次追加后 fsync
func WithFsync(on bool) FileOption {
	return func(s *FileStore) { s.fsync = on }
}

// WithFileLogger 设置日志
func WithFileLogger(l *log.Logger) FileOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore 在 dir 下打开（或创建）账本文件；上次崩溃留下的半行会被截掉
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	s := &FileStore{dir: dir}
	for _, o := range opts {
		o(s)
	}
	s.logger = log.OrDefault(s.logger)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
	}
	var err error
	if s.preds, err = s.openAppend(predictionsFile); err != nil {
		return nil, err
	}
	if s.updates, err = s.openAppend(updatesFile); err != nil {
		_ = s.preds.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) openAppend(name string) (*os.File, error) {
	path := filepath.Join(s.dir, name)
	if err := repairTail(path, s.logger); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Dir 存储目录
func (s *FileStore) Dir() string { return s.dir }

// AppendPrediction 实现 Store
func (s *FileStore) AppendPrediction(_ context.Context, p Prediction) error {
	return s.appendLine(false, p)
}

// AppendUpdate 实现 Store
func (s *FileStore) AppendUpdate(_ context.Context, u Update) error {
	return s.appendLine(true, u)
}

func (s *FileStore) appendLine(update bool, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.preds
	if update {
		f = s.updates
	}
	if f == nil {
		return errors.New("ledger file store closed")
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("append %s: %w", f.Name(), err)
	}
	if s.fsync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("fsync %s: %w", f.Name(), err)
		}
	}
	return nil
}

// Load 实现 Store
func (s *FileStore) Load(_ context.Context) ([]Prediction, []Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	preds, err := readJSONL[Prediction](filepath.Join(s.dir, predictionsFile), s.logger)
	if err != nil {
		return nil, nil, err
	}
	updates, err := readJSONL[Update](filepath.Join(s.dir, updatesFile), s.logger)
	if err != nil {
		return nil, nil, err
	}
	return preds, updates, nil
}

// Close 实现 Store
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{s.preds, s.updates} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	s.preds, s.updates = nil, nil
	return errors.Join(errs...)
}

// readJSONL 逐行解码；末尾无换行且无法解析的行视为写入中断，记录后跳过，其余坏行直接报错
func readJSONL[T any](path string, logger *log.Logger) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, err := r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		complete := len(line) > 0 && line[len(line)-1] == '\n'
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var v T
			if uerr := json.Unmarshal(trimmed, &v); uerr != nil {
				if !complete {
					logger.Warn("跳过不完整的末行", "file", path, "line", lineNo, "bytes", len(line))
					break
				}
				return nil, fmt.Errorf("%s line %d: %w", path, lineNo, uerr)
			}
			out = append(out, v)
		}
		if err != nil {
			break
		}
	}
	return out, nil
}

// repairTail 若文件末尾不是换行，截断到最后一个完整行
func repairTail(path string, logger *log.Logger) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if last[0] == '\n' {
		return nil
	}

	const chunk = 4096
	cut := int64(0)
	buf := make([]byte, chunk)
	for end := size; end > 0 && cut == 0; {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			cut = start + int64(i) + 1
		}
		end = start
	}
	logger.Warn("截断未写完的末行", "file", path, "dropped_bytes", size-cut)
	if err := f.Truncate(cut); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	return nil
}
