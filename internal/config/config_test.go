package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"OKX_API_KEY", "OKX_API_SECRET", "OKX_PASSPHRASE", "OKX_USE_SIMULATED", "OKX_INST_IDS",
		"AGENT_BASE_URL", "DATABASE_URL", "DATABASE_SCHEMA",
		"STRATEGY_SCHEDULE_ENABLED", "STRATEGY_SCHEDULE_INTERVAL_SECS",
		"STRATEGY_VOL_TRIGGER_ENABLED", "STRATEGY_VOL_THRESHOLD_BPS", "STRATEGY_VOL_WINDOW_SECS",
		"STRATEGY_MANUAL_TRIGGER_ENABLED", "TRIGGER_REFRESH_ON_ERROR",
		"BALANCE_SNAPSHOT_MIN_ABS_CHANGE", "BALANCE_SNAPSHOT_MIN_RELATIVE_CHANGE",
		"INITIAL_EQUITY", "LOG_LEVEL", "HTTP_LISTEN_ADDR", "CONFIG_FILE",
	}
	for _, v := range vars {
		require.NoError(t, os.Unsetenv(v))
	}
}

func setMinimalValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OKX_API_KEY", "key")
	t.Setenv("OKX_API_SECRET", "secret")
	t.Setenv("OKX_INST_IDS", "BTC-USDT-SWAP,ETH-USDT-SWAP")
	t.Setenv("AGENT_BASE_URL", "wss://agent.example/ws")
	t.Setenv("DATABASE_URL", "postgres://localhost/aitrader")
}

func TestLoad_MinimalValid(t *testing.T) {
	clearEnv(t)
	setMinimalValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USDT-SWAP", "ETH-USDT-SWAP"}, cfg.InstIDs)
	assert.Equal(t, 5*time.Minute, cfg.Trigger.ScheduleInterval)
	assert.Equal(t, "aitrader", cfg.Database.Schema)
}

func TestLoad_MissingCredentials(t *testing.T) {
	clearEnv(t)
	t.Setenv("OKX_INST_IDS", "BTC-USDT-SWAP")
	t.Setenv("AGENT_BASE_URL", "wss://agent.example/ws")
	t.Setenv("DATABASE_URL", "postgres://localhost/aitrader")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	setMinimalValidEnv(t)
	t.Setenv("STRATEGY_VOL_THRESHOLD_BPS", "120")
	t.Setenv("STRATEGY_SCHEDULE_INTERVAL_SECS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120.0, cfg.Trigger.VolThresholdBps)
	assert.Equal(t, time.Minute, cfg.Trigger.ScheduleInterval)
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("topsecret")
	assert.NotEqual(t, "topsecret", s.String())
	assert.Equal(t, "[REDACTED]", s.String())
}
