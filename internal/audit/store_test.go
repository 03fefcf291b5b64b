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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"senseforge/pkg/log"
)

func TestFileStore_SaveGetList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, log.Nop())
	require.NoError(t, err)
	clock := newFakeClock()
	trail := newTestTrail(store, clock)
	ctx := context.Background()

	c := trail.StartChain(ctx, "first")
	c.LogStep(StepInput{Component: "analyst", Output: map[string]any{"depth": 9.5e6}})
	require.NoError(t, trail.Finalize(ctx, c, map[string]any{"approved": true}, 10*time.Millisecond))
	clock.Advance(time.Minute)
	d := trail.StartChain(ctx, "second")
	require.NoError(t, trail.Finalize(ctx, d, nil, 5*time.Millisecond))

	_, err = os.Stat(filepath.Join(dir, c.ID()+".json"))
	require.NoError(t, err)

	rec, err := store.Get(ctx, c.ID())
	require.NoError(t, err)
	assert.Equal(t, "first", rec.Query)
	assert.Equal(t, true, rec.FinalDecision["approved"])
	assert.Equal(t, 9.5e6, rec.Steps[0].Output["depth"])
	assert.True(t, rec.Timestamp.Equal(c.StartedAt()))

	recs, err := store.List(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, c.ID(), recs[0].ChainID)
	assert.Equal(t, d.ID(), recs[1].ChainID)

	recs, err = store.List(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, d.ID(), recs[0].ChainID)

	// 不留临时文件
	tmps, _ := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	assert.Empty(t, tmps)
}

func TestFileStore_NoOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), log.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	rec := Record{ChainID: "chain_x", Query: "a", Compliant: true, SchemaVersion: SchemaVersion}
	require.NoError(t, store.Save(ctx, rec))
	rec.Query = "b"
	assert.ErrorIs(t, store.Save(ctx, rec), ErrExists)
	got, err := store.Get(ctx, "chain_x")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Query)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), log.Nop())
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, store.Save(context.Background(), Record{ChainID: "a/b"}))
}

func TestFileStore_ListSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, log.Nop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chain_bad.json"), []byte("{"), 0o644))
	require.NoError(t, store.Save(context.Background(), Record{ChainID: "chain_ok"}))

	recs, err := store.List(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "chain_ok", recs[0].ChainID)

	_, err = store.Get(context.Background(), "chain_bad")
	assert.Error(t, err)
}

// 需要 SENSEFORGE_TEST_PG_DSN
func TestPgStore_SaveGetList(t *testing.T) {
	dsn := os.Getenv("SENSEFORGE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("SENSEFORGE_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPgStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.pool.Exec(ctx, `TRUNCATE reasoning_chains`)
	require.NoError(t, err)

	trail := newTestTrail(store, newFakeClock())
	c := trail.StartChain(ctx, "pg")
	c.LogStep(StepInput{Component: "analyst"})
	require.NoError(t, trail.Finalize(ctx, c, nil, time.Millisecond))
	assert.ErrorIs(t, store.Save(ctx, Record{ChainID: c.ID()}), ErrExists)

	rec, err := trail.Get(ctx, c.ID())
	require.NoError(t, err)
	assert.Len(t, rec.Steps, 1)
	recs, err := trail.List(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
