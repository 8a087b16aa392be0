package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotapool"
	"github.com/ineyio/quotapool/quota"
	"github.com/ineyio/quotapool/quota/sqlite"
)

const testConfig = `
defaults:
  requests_per_day_limit: 10
  requests_per_minute_limit: 2
  tokens_per_minute_limit: 1000
  context_limit: 500

backends:
  - id: flash-1
    provider: gemini
    model: gemini-2.0-flash
  - id: flash-2
    provider: gemini
    model: gemini-2.0-flash
`

func setup(t *testing.T) (cfgPath, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath = filepath.Join(dir, "quotapool.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testConfig), 0o600))
	return cfgPath, filepath.Join(dir, "quota.db")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func line(t *testing.T, out, backend string) string {
	t.Helper()
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, backend+" ") {
			return l
		}
	}
	t.Fatalf("no status line for %s in:\n%s", backend, out)
	return ""
}

func TestStatus_FreshStore(t *testing.T) {
	cfg, db := setup(t)

	out, err := run(t, "status", "--config", cfg, "--db", db)
	require.NoError(t, err)

	assert.Contains(t, out, "BACKEND")
	l := line(t, out, "flash-1")
	assert.Contains(t, l, "0/10")
	assert.Contains(t, l, "0/500")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(l), "ok"))
}

func TestCloseDay_Persists(t *testing.T) {
	cfg, db := setup(t)

	out, err := run(t, "close-day", "flash-1", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "flash-1: day 10/10, context 0/500\n", out)

	out, err = run(t, "status", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line(t, out, "flash-1")), "exhausted"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line(t, out, "flash-2")), "ok"))
}

func TestReset_DeletesState(t *testing.T) {
	cfg, db := setup(t)

	_, err := run(t, "close-day", "flash-1", "--config", cfg, "--db", db)
	require.NoError(t, err)

	out, err := run(t, "reset", "flash-1", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "flash-1: reset\n", out)

	out, err = run(t, "status", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, line(t, out, "flash-1"), "0/10")
}

func TestClearContext(t *testing.T) {
	cfg, db := setup(t)

	out, err := run(t, "clear-context", "flash-2", "--config", cfg, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "flash-2: day 0/10, context 0/500\n", out)
}

func TestUnknownBackend(t *testing.T) {
	cfg, db := setup(t)

	_, err := run(t, "close-day", "nope", "--config", cfg, "--db", db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown backend "nope"`)
}

func TestMutate_RequiresBackendArg(t *testing.T) {
	cfg, db := setup(t)

	_, err := run(t, "close-day", "--config", cfg, "--db", db)
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, db := setup(t)

	_, err := run(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--db", db)
	require.Error(t, err)
}

// A pool that is already running when close-day is issued must not undo it
// on its next snapshot, and must stop routing to the closed backend.
func TestCloseDay_SurvivesLivePoolSnapshot(t *testing.T) {
	cfgPath, db := setup(t)
	ctx := context.Background()

	cfg, err := quotapool.LoadConfig(cfgPath)
	require.NoError(t, err)
	configs := cfg.BackendConfigs()
	for i := range configs {
		configs[i].Provider = ""
	}
	pool, err := quotapool.NewPool(configs)
	require.NoError(t, err)

	store, err := sqlite.Open(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, pool.RestoreFrom(ctx, store))

	live := pool.Backends()[0].Limiter()
	require.NoError(t, live.RecordUsage(ctx, 5))

	_, err = run(t, "close-day", "flash-1", "--config", cfgPath, "--db", db)
	require.NoError(t, err)

	require.NoError(t, quota.NewSnapshotter(pool, store).Flush(ctx))
	assert.True(t, live.Exhausted())

	out, err := run(t, "status", "--config", cfgPath, "--db", db)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(line(t, out, "flash-1")), "exhausted"))
}
