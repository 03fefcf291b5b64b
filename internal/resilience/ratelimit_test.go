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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyedLimiter_Invalid(t *testing.T) {
	_, err := NewKeyedLimiter(LimiterConfig{Rate: 0, Per: time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewKeyedLimiter(LimiterConfig{Rate: 1, Per: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestKeyedLimiter_BurstThenWait(t *testing.T) {
	const r = 5
	per := 100 * time.Millisecond
	l, err := NewKeyedLimiter(LimiterConfig{Name: "burst", Rate: r, Per: per})
	require.NoError(t, err)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < r; i++ {
		require.NoError(t, l.Acquire(ctx, "k"))
	}
	assert.Less(t, time.Since(start), 15*time.Millisecond, "first R acquires must not block")

	start = time.Now()
	require.NoError(t, l.Acquire(ctx, "k"))
	waited := time.Since(start)
	assert.GreaterOrEqual(t, waited, 10*time.Millisecond, "(R+1)th acquire should wait about per/rate")
	assert.Less(t, waited, 200*time.Millisecond)
}

func TestKeyedLimiter_KeysAreIndependent(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "indep", Rate: 1, Per: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "a"))
	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "b"))
	assert.Less(t, time.Since(start), 15*time.Millisecond)
}

func TestKeyedLimiter_AcquireHonoursContext(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "ctx", Rate: 1, Per: time.Hour})
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.Acquire(ctx, "k")
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestKeyedLimiter_AllowDecision(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "allow", Rate: 2, Per: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	d, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Limit)
	assert.Equal(t, 1, d.Remaining)

	d, _ = l.Allow(ctx, "ip")
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, _ = l.Allow(ctx, "ip")
	assert.False(t, d.Allowed)
	assert.InDelta(t, 30*time.Second, d.RetryAfter, float64(time.Second))
	assert.True(t, d.ResetAt.After(time.Now()))

	// 被拒绝的预约不消耗令牌
	assert.InDelta(t, 0, l.Tokens("ip"), 0.01)
}

func TestKeyedLimiter_TokensClamped(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "tokens", Rate: 3, Per: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 3.0, l.Tokens("unknown"))
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), "k"))
	}
	got := l.Tokens("k")
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 3.0)
}

func TestKeyedLimiter_LRUBound(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "lru", Rate: 1, Per: time.Minute, MaxKeys: 2})
	require.NoError(t, err)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, _ = l.Allow(ctx, k)
	}
	assert.Equal(t, 2, l.Len())
	assert.False(t, l.Tracked("a"), "least recently used key should be evicted")
	assert.True(t, l.Tracked("c"))
}

func TestKeyedLimiter_IdleEviction(t *testing.T) {
	l, err := NewKeyedLimiter(LimiterConfig{Name: "idle", Rate: 1, Per: time.Minute, IdleTTL: 50 * time.Millisecond})
	require.NoError(t, err)
	_, _ = l.Allow(context.Background(), "stale")
	require.True(t, l.Tracked("stale"))

	assert.Eventually(t, func() bool { return !l.Tracked("stale") && l.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}
