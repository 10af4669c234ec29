package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "app:\n  env: test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Env)
	assert.Equal(t, "binance", cfg.Venue.Active)
	assert.Equal(t, "15m", cfg.Market.Interval)
	assert.Equal(t, 14, cfg.Volatility.ATRPeriod)
	assert.Equal(t, "hybrid", cfg.StopLoss.Mode)
	assert.InDelta(t, 33.33, cfg.Stages.ClosePct, 1e-9)
	assert.Equal(t, 30*time.Second, cfg.Guard.DuplicateWindow())
	assert.Equal(t, 5*time.Minute, cfg.Guard.TrailingCooldown())
	assert.Equal(t, 15*time.Minute, cfg.Guard.MinHolding())
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Interval())
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "venue.yaml", "venue:\n  active: gate\n  gate:\n    settle: BTC\n")
	path := writeFile(t, dir, "config.yaml", "include:\n  - venue.yaml\nstoploss:\n  mode: atr\n  min_quality: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gate", cfg.Venue.Active)
	assert.Equal(t, "btc", cfg.Venue.Gate.Settle)
	assert.Equal(t, "atr", cfg.StopLoss.Mode)
	// 显式写 0 不应被默认值覆盖
	assert.Zero(t, cfg.StopLoss.MinQuality)
}

func TestLoadRejectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include:\n  - b.yaml\n")
	writeFile(t, dir, "b.yaml", "include:\n  - a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"unknown venue":       "venue:\n  active: kraken\n",
		"bad stop mode":       "stoploss:\n  mode: magic\n",
		"inverted band":       "stoploss:\n  min_distance_pct: 6\n  max_distance_pct: 5\n",
		"descending stages":   "stages:\n  stage1_r: 2\n  stage2_r: 1\n",
		"close pct too large": "stages:\n  close_pct: 60\n",
		"bad interval":        "market:\n  interval: fortnight\n",
		"percent taker rate":  "venue:\n  binance:\n    taker_rate: 0.05\n",
		"telegram no token":   "notify:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestResolvePathPrefersEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/riskguard.yaml")
	assert.Equal(t, "/etc/riskguard.yaml", ResolvePath("configs/config.yaml"))

	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, "configs/config.yaml", ResolvePath(" configs/config.yaml "))
}

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	d, err = ParseInterval("4H")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, d)

	d, err = ParseInterval("1d")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, d)

	d, err = ParseInterval("1w")
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)

	for _, bad := range []string{"", "x", "0m", "0d", "d", "-1h"} {
		_, err = ParseInterval(bad)
		assert.Error(t, err, bad)
	}
}
