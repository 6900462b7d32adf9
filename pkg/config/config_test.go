package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "BATCH_SIZE", "BATCH_TIMEOUT", "CONFIRM_INTERVAL", "CONFIRM_MAX_RETRIES", "BATCH_STREAM_SCOPE"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.BatchTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConfirmInterval)
	assert.Equal(t, 50, cfg.ConfirmBatch)
	assert.Equal(t, 100, cfg.ConfirmMaxRetries)
	assert.Equal(t, int64(1), cfg.ConfirmRequired)
	assert.Equal(t, 30*time.Second, cfg.LedgerQueryTimeout)
	assert.Equal(t, 5, cfg.DLQMaxAttempts)
	assert.Equal(t, "tenant", cfg.BatchStreamScope)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "2")
	t.Setenv("BATCH_TIMEOUT", "150ms")
	t.Setenv("BATCH_STREAM_SCOPE", "global")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 150*time.Millisecond, cfg.BatchTimeout)
	assert.Equal(t, "global", cfg.BatchStreamScope)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("BATCH_SIZE", "many")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("BATCH_SIZE", "0")
	_, err = Load()
	require.Error(t, err)

	t.Setenv("BATCH_SIZE", "")
	t.Setenv("BATCH_STREAM_SCOPE", "region")
	_, err = Load()
	require.Error(t, err)
}

func TestDefaultTiers(t *testing.T) {
	table := DefaultTiers()
	for _, name := range []string{"standard", "Premium", "ENTERPRISE"} {
		tier, ok := table.Lookup(name)
		require.True(t, ok, name)
		assert.True(t, tier.Allows(contracts.ModeImmediate))
		assert.True(t, tier.Allows(contracts.ModeBatch))
	}
	_, ok := table.Lookup("gold")
	assert.False(t, ok)
}

func TestLoadTiers_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tiers:
  - name: standard
    immediate: false
    batch: true
  - name: premium
    immediate: true
    batch: true
    rule: 'event.priority != "low"'
`), 0o600))

	table, err := LoadTiers(path)
	require.NoError(t, err)
	std, ok := table.Lookup("standard")
	require.True(t, ok)
	assert.False(t, std.Allows(contracts.ModeImmediate))
	assert.True(t, std.Allows(contracts.ModeBatch))

	prem, ok := table.Lookup("premium")
	require.True(t, ok)
	assert.Equal(t, `event.priority != "low"`, prem.Rule)
}

func TestParseTiers_Rejects(t *testing.T) {
	_, err := ParseTiers([]byte("tiers:\n  - immediate: true\n"))
	require.Error(t, err)

	_, err = ParseTiers([]byte("tiers:\n  - name: a\n  - name: A\n"))
	require.Error(t, err)

	_, err = ParseTiers([]byte("tiers: [unterminated"))
	require.Error(t, err)
}

func TestLoadTiers_DefaultWhenUnset(t *testing.T) {
	table, err := LoadTiers("")
	require.NoError(t, err)
	assert.Len(t, table.Tiers, 3)
}
