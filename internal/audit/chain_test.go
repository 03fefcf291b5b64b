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
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"senseforge/pkg/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTrail(store Store, clock *fakeClock) *Trail {
	return NewTrail(store, WithClock(clock.Now), WithLogger(log.Nop()))
}

func TestStartChain_ID(t *testing.T) {
	trail := newTestTrail(NewMemoryStore(), newFakeClock())
	c := trail.StartChain(context.Background(), "is the pool safe?")
	assert.Regexp(t, regexp.MustCompile(`^chain_20260301_093000_000000_[0-9a-f]{6}$`), c.ID())
	assert.Equal(t, "is the pool safe?", c.Query())
	assert.False(t, c.Finalized())
	assert.Empty(t, c.Steps())
}

func TestChain_StepsNumberedInOrder(t *testing.T) {
	clock := newFakeClock()
	trail := newTestTrail(NewMemoryStore(), clock)
	c := trail.StartChain(context.Background(), "q")

	conf := 0.9
	for _, comp := range []string{"analyst", "world_model", "strategist"} {
		c.LogStep(StepInput{Component: comp, Confidence: &conf, Duration: 1500 * time.Microsecond})
		clock.Advance(time.Millisecond)
	}
	steps := c.Steps()
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.NotNil(t, s.Input)
		assert.NotNil(t, s.Output)
		require.NotNil(t, s.DurationMs)
		assert.InDelta(t, 1.5, *s.DurationMs, 1e-9)
	}
	assert.Equal(t, "world_model", steps[1].Component)
	assert.True(t, steps[2].Timestamp.After(steps[0].Timestamp))

	// 返回的是副本
	steps[0].Component = "mutated"
	assert.Equal(t, "analyst", c.Steps()[0].Component)
}

func TestChain_ConcurrentStepsUnique(t *testing.T) {
	trail := newTestTrail(NewMemoryStore(), newFakeClock())
	c := trail.StartChain(context.Background(), "q")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.LogStep(StepInput{Component: "worker"})
		}()
	}
	wg.Wait()
	steps := c.Steps()
	require.Len(t, steps, 20)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
}

func TestChain_NilAndContextHelpers(t *testing.T) {
	var nilChain *Chain
	nilChain.LogStep(StepInput{Component: "x"})
	assert.Nil(t, nilChain.Steps())
	assert.False(t, nilChain.Finalized())

	ctx := context.Background()
	assert.Nil(t, ChainFrom(ctx))
	LogStep(ctx, StepInput{Component: "no chain"})

	trail := newTestTrail(NewMemoryStore(), newFakeClock())
	c := trail.StartChain(ctx, "q")
	ctx = WithChain(ctx, c)
	assert.Same(t, c, ChainFrom(ctx))
	LogStep(ctx, StepInput{Component: "analyst", Reasoning: "via ctx"})
	require.Len(t, c.Steps(), 1)
	assert.Equal(t, "via ctx", c.Steps()[0].Reasoning)
}
