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

package resilience

import (
	"errors"
	"fmt"
	"time"

	pkgerrors "senseforge/pkg/errors"
)

// ErrCircuitOpen 熔断打开期间调用被拒绝，被保护的动作未执行
var ErrCircuitOpen = fmt.Errorf("circuit open: %w", pkgerrors.ErrUnavailable)

// ErrInvalidConfig 熔断、重试或限流参数非法
var ErrInvalidConfig = fmt.Errorf("resilience config: %w", pkgerrors.ErrInvalidArg)

// OpenError 携带被拒绝的熔断器名与建议重试时间；errors.Is(err, ErrCircuitOpen) 为 true
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Is 使 OpenError 与 ErrCircuitOpen 等价
func (e *OpenError) Is(target error) bool {
	return target == ErrCircuitOpen || target == pkgerrors.ErrUnavailable
}

// IsCircuitOpen 判断是否为熔断拒绝
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

var errPanicked = errors.New("resilience: protected action panicked")
