package quotapool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qp "github.com/ineyio/quotapool"
)

const testConfigYAML = `
defaults:
  requests_per_day_limit: 1500
  requests_per_minute_limit: 15
  tokens_per_minute_limit: 1000000
  context_limit: 1048576

models:
  - model: gemini-1.5-pro
    quota:
      requests_per_day_limit: 50
      requests_per_minute_limit: 2
      tokens_per_minute_limit: 32000

backends:
  - id: flash-1
    provider: gemini
    model: gemini-2.0-flash
    auth:
      api_key: ${QUOTAPOOL_TEST_KEY}
  - id: pro-1
    provider: gemini
    model: gemini-1.5-pro
    quota:
      raise_on_minute_limit: true
  - id: pro-2
    provider: gemini
    model: gemini-1.5-pro
    quota:
      requests_per_day_limit: 25
`

func TestParseConfig(t *testing.T) {
	t.Setenv("QUOTAPOOL_TEST_KEY", "sk-test")

	cfg, err := qp.ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	bcs := cfg.BackendConfigs()
	require.Len(t, bcs, 3)

	flash := bcs[0]
	assert.Equal(t, "sk-test", flash.Auth.APIKey)
	assert.Equal(t, int64(1500), flash.Quota.RequestsPerDayLimit)
	assert.Equal(t, int64(1048576), flash.Quota.ContextLimit)
	assert.False(t, flash.Quota.RaiseOnMinuteLimit)

	pro1 := bcs[1]
	assert.Equal(t, int64(50), pro1.Quota.RequestsPerDayLimit)
	assert.Equal(t, int64(2), pro1.Quota.RequestsPerMinuteLimit)
	assert.Equal(t, int64(1048576), pro1.Quota.ContextLimit, "unset model limits fall back to defaults")
	assert.True(t, pro1.Quota.RaiseOnMinuteLimit)

	pro2 := bcs[2]
	assert.Equal(t, int64(25), pro2.Quota.RequestsPerDayLimit, "backend limits win over model limits")
	assert.Equal(t, int64(32000), pro2.Quota.TokensPerMinuteLimit)

	// Resolving never mutates the shared layers.
	assert.Equal(t, int64(0), cfg.Backends[2].Quota.TokensPerMinuteLimit)
	assert.Equal(t, int64(50), cfg.Models[0].Quota.RequestsPerDayLimit)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))

	cfg, err := qp.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Backends, 3)

	_, err = qp.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	limits := qp.QuotaSettings{
		RequestsPerDayLimit:    1,
		RequestsPerMinuteLimit: 1,
		TokensPerMinuteLimit:   1,
		ContextLimit:           1,
	}

	t.Run("no backends", func(t *testing.T) {
		err := qp.Config{}.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "at least one backend")
	})

	t.Run("missing id", func(t *testing.T) {
		err := qp.Config{Defaults: limits, Backends: []qp.BackendConfig{{Model: "m"}}}.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "id is required")
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := qp.Config{Defaults: limits, Backends: []qp.BackendConfig{{ID: "a"}, {ID: "a"}}}.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("duplicate model", func(t *testing.T) {
		err := qp.Config{
			Defaults: limits,
			Models:   []qp.ModelLimits{{Model: "m"}, {Model: "m"}},
			Backends: []qp.BackendConfig{{ID: "a"}},
		}.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate model")
	})

	t.Run("unresolved limit", func(t *testing.T) {
		err := qp.Config{Backends: []qp.BackendConfig{{ID: "a"}}}.Validate()
		assert.ErrorIs(t, err, qp.ErrInvalidArgument)
	})

	t.Run("valid", func(t *testing.T) {
		err := qp.Config{Defaults: limits, Backends: []qp.BackendConfig{{ID: "a"}}}.Validate()
		assert.NoError(t, err)
	})
}

func TestQuotaSettings_Resolve(t *testing.T) {
	s := qp.QuotaSettings{RequestsPerDayLimit: 5, RequestsPerDayUsed: 2}
	fb := qp.QuotaSettings{
		RequestsPerDayLimit:    100,
		RequestsPerMinuteLimit: 10,
		TokensPerMinuteLimit:   1000,
		ContextLimit:           500,
		RequestsPerDayUsed:     99,
		RaiseOnMinuteLimit:     true,
	}

	got := s.Resolve(fb)
	assert.Equal(t, int64(5), got.RequestsPerDayLimit)
	assert.Equal(t, int64(10), got.RequestsPerMinuteLimit)
	assert.Equal(t, int64(2), got.RequestsPerDayUsed, "counters never come from the fallback")
	assert.True(t, got.RaiseOnMinuteLimit)
	assert.NoError(t, got.Validate())
}

func TestParseConfig_ExplicitRaiseFalseWins(t *testing.T) {
	cfg, err := qp.ParseConfig([]byte(`
defaults:
  requests_per_day_limit: 100
  requests_per_minute_limit: 10
  tokens_per_minute_limit: 1000
  context_limit: 1000
  raise_on_minute_limit: true

models:
  - model: m-wait
    quota:
      raise_on_minute_limit: false

backends:
  - id: a
    model: m
    quota:
      raise_on_minute_limit: false
  - id: b
    model: m
  - id: c
    model: m-wait
  - id: d
    model: m-wait
    quota:
      raise_on_minute_limit: true
`))
	require.NoError(t, err)

	bcs := cfg.BackendConfigs()
	require.Len(t, bcs, 4)
	assert.False(t, bcs[0].Quota.RaiseOnMinuteLimit, "backend false overrides default true")
	assert.True(t, bcs[1].Quota.RaiseOnMinuteLimit, "unset falls back to default")
	assert.False(t, bcs[2].Quota.RaiseOnMinuteLimit, "model false overrides default true")
	assert.True(t, bcs[3].Quota.RaiseOnMinuteLimit, "backend true overrides model false")
}

func TestQuotaSettings_WithRaiseOnMinuteLimit(t *testing.T) {
	fb := qp.QuotaSettings{RaiseOnMinuteLimit: true}

	assert.True(t, qp.QuotaSettings{}.Resolve(fb).RaiseOnMinuteLimit)
	assert.False(t, qp.QuotaSettings{}.WithRaiseOnMinuteLimit(false).Resolve(fb).RaiseOnMinuteLimit)
}
