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

package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"senseforge/internal/agent"
	"senseforge/internal/resilience"
	"senseforge/pkg/config"
	"senseforge/pkg/log"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Ledger.Backend = "memory"
	cfg.Audit.Backend = "memory"
	cfg.Agent.Seed = 11
	cfg.Log.Level = "error"
	return cfg
}

func TestNewBootstrap_Mock(t *testing.T) {
	cfg := testConfig(t)
	b, err := NewBootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	assert.NotNil(t, b.HTTPLimiter)
	assert.Nil(t, b.Validator)
	assert.Equal(t, "mock", b.MemoryMode)
	assert.Empty(t, b.Registry.Snapshots())

	res, err := b.Pipeline.Run(context.Background(), agent.Query{Text: "check liquidity"})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Ledger.Len())
	_, err = b.Trail.Get(context.Background(), res.Metadata.ChainID)
	require.NoError(t, err)
}

func TestNewBootstrap_APIKeysMergeSecret(t *testing.T) {
	t.Setenv(SecretAPIKeys, "alpha, beta,,")
	cfg := testConfig(t)
	cfg.API.RequireAuth = true
	cfg.API.APIKeys = []string{"static"}

	b, err := NewBootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, []string{"static", "alpha", "beta"}, b.APIKeys)
}

func TestNewBootstrap_RequireAuthWithoutKeys(t *testing.T) {
	t.Setenv(SecretAPIKeys, "")
	cfg := testConfig(t)
	cfg.API.RequireAuth = true
	cfg.API.APIKeys = nil

	_, err := NewBootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), SecretAPIKeys)
}

func TestNewBootstrap_LiveNeedsAmbientKey(t *testing.T) {
	t.Setenv(SecretAmbientKey, "")
	cfg := testConfig(t)
	cfg.Agent.Mode = "live"
	cfg.LLM.APIKey = ""

	_, err := NewBootstrap(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), SecretAmbientKey)
}

func TestNewBootstrap_LiveRegistersBreakers(t *testing.T) {
	t.Setenv(SecretAmbientKey, "sk-live")
	t.Setenv(SecretLettaKey, "letta-key")
	cfg := testConfig(t)
	cfg.Agent.Mode = "live"
	cfg.Memory.Enable = true

	b, err := NewBootstrap(context.Background(), cfg)
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "live", b.MemoryMode)
	names := map[string]resilience.State{}
	for _, s := range b.Registry.Snapshots() {
		names[s.Name] = s.State
	}
	assert.Equal(t, map[string]resilience.State{
		DepLLM:    resilience.StateClosed,
		DepMemory: resilience.StateClosed,
	}, names)
	assert.False(t, b.Registry.Degraded())
}

func TestOpenLedger_SQLiteCreatesDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Backend = "sqlite"
	cfg.Ledger.DSN = filepath.Join(t.TempDir(), "nested", "ledger.db")

	l, closeFn, err := OpenLedger(context.Background(), cfg, log.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
	require.NoError(t, closeFn())
}

func TestOpenTrail_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Backend = "s3"
	_, _, err := OpenTrail(context.Background(), cfg, log.Nop())
	assert.Error(t, err)
}
