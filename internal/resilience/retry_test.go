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

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testPolicy(attempts int, rec *recordedSleeps) RetryPolicy {
	p := RetryPolicy{
		Name:            "test",
		MaxAttempts:     attempts,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
	}
	p.sleep = rec.sleep
	return p
}

func TestRetry_SucceedsAfterKFailures(t *testing.T) {
	for k := 0; k < 4; k++ {
		rec := &recordedSleeps{}
		p := testPolicy(4, rec)
		calls := 0
		got, err := Retry(context.Background(), p, func(context.Context) (int, error) {
			calls++
			if calls <= k {
				return 0, errUpstream
			}
			return 42, nil
		})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, 42, got)
		assert.Equal(t, k+1, calls, "k=%d", k)
		assert.Len(t, rec.delays, k)
	}
}

func TestRetry_ExhaustedReturnsLastError(t *testing.T) {
	rec := &recordedSleeps{}
	p := testPolicy(4, rec)

	attemptErrs := []error{errors.New("a1"), errors.New("a2"), errors.New("a3"), errors.New("a4")}
	calls := 0
	stats, err := p.DoWithStats(context.Background(), func(context.Context) error {
		e := attemptErrs[calls]
		calls++
		return e
	})

	require.Error(t, err)
	assert.Same(t, attemptErrs[3], err, "final error must be the last attempt's own error")
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, stats.Attempts)
	assert.True(t, stats.Exhausted)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays,
		"three sleeps, none after the final failure")
	assert.Equal(t, 7*time.Second, stats.TotalDelay)
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	errFatal := errors.New("401 unauthorized")
	rec := &recordedSleeps{}
	p := testPolicy(5, rec)
	p.Retryable = func(err error) bool { return !errors.Is(err, errFatal) }

	calls := 0
	stats, err := p.DoWithStats(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.False(t, stats.Exhausted)
	assert.Empty(t, rec.delays)
}

func TestRetry_DelayCappedAtMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 5 * time.Second, ExponentialBase: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(500))
}

func TestRetry_JitterRange(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, ExponentialBase: 2, Jitter: true}

	p.random = func() float64 { return 0 }
	assert.Equal(t, 2*time.Second/2, p.Delay(1))

	p.random = func() float64 { return 0.999999 }
	assert.Less(t, p.Delay(1), 2*time.Second)

	p.random = nil
	for i := 0; i < 200; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 2*time.Second)
	}
}

func TestRetry_ContextCancelledDuringSleep(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, ExponentialBase: 2}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errUpstream
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	bad := []RetryPolicy{
		{MaxAttempts: 0, InitialDelay: time.Second, MaxDelay: time.Second, ExponentialBase: 2},
		{MaxAttempts: 1, InitialDelay: 0, MaxDelay: time.Second, ExponentialBase: 2},
		{MaxAttempts: 1, InitialDelay: 2 * time.Second, MaxDelay: time.Second, ExponentialBase: 2},
		{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Second, ExponentialBase: 1},
	}
	for _, p := range bad {
		assert.ErrorIs(t, p.Validate(), ErrInvalidConfig, "%+v", p)
	}
}
