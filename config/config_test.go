package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BINANCE_API_KEY", "test-key")
	t.Setenv("BINANCE_API_SECRET", "test-secret")
	t.Setenv("LONG_BOTS", "bot-1,bot-2")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsTestnet, "testnet must be the default")
	assert.Equal(t, 15*time.Second, cfg.PollInterval)
	assert.True(t, cfg.BaseStopPct.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, []string{"bot-1", "bot-2"}, cfg.LongBots)
	assert.Empty(t, cfg.ShortBots)
	assert.Equal(t, "std", cfg.LogFormat)
	assert.Empty(t, cfg.MetricsAddr)

	// Stock ladder when nothing is configured.
	require.Len(t, cfg.Ladder.Steps, 4)
	assert.True(t, cfg.Ladder.Steps[0].Trigger.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, cfg.Ladder.Steps[3].Lock.Equal(decimal.RequireFromString("0.40")))
}

func TestLoadConfig_CustomLadder(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("LADDER_STEPS", "0.20:0.10, 0.50:0.25")
	t.Setenv("LADDER_STEP_SIZE", "0.05")
	t.Setenv("LADDER_STEP_INCREMENT", "0.05")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Ladder.Steps, 2)
	assert.True(t, cfg.Ladder.Steps[1].Trigger.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, cfg.Ladder.Steps[1].Lock.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.Ladder.StepSize.Equal(decimal.RequireFromString("0.05")))
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(t *testing.T)
		wantErr string
	}{
		{
			name:    "missing api key",
			mutate:  func(t *testing.T) { t.Setenv("BINANCE_API_KEY", "") },
			wantErr: "BINANCE_API_KEY",
		},
		{
			name: "no monitored bots",
			mutate: func(t *testing.T) {
				t.Setenv("LONG_BOTS", "")
				t.Setenv("SHORT_BOTS", "")
			},
			wantErr: "LONG_BOTS or SHORT_BOTS",
		},
		{
			name:    "non-positive poll interval",
			mutate:  func(t *testing.T) { t.Setenv("POLL_INTERVAL_SECONDS", "0") },
			wantErr: "POLL_INTERVAL_SECONDS",
		},
		{
			name:    "negative base stop",
			mutate:  func(t *testing.T) { t.Setenv("BASE_STOP_PCT", "-0.5") },
			wantErr: "BASE_STOP_PCT",
		},
		{
			name:    "malformed ladder step",
			mutate:  func(t *testing.T) { t.Setenv("LADDER_STEPS", "0.15-0.10") },
			wantErr: "ladder",
		},
		{
			name:    "non-increasing ladder triggers",
			mutate:  func(t *testing.T) { t.Setenv("LADDER_STEPS", "0.45:0.20,0.15:0.10") },
			wantErr: "ladder",
		},
		{
			name:    "unknown log format",
			mutate:  func(t *testing.T) { t.Setenv("LOG_FORMAT", "xml") },
			wantErr: "LOG_FORMAT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			tt.mutate(t)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
