package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqguard/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: liqguard\n"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, time.Minute, cfg.Scheduler.ExpirySweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Oracle.MaxAge)
	assert.Equal(t, 0.20, cfg.Pricing.VigRate)
	assert.Equal(t, 720*time.Hour, cfg.Pricing.DefaultTenor)
	assert.Equal(t, SettlementSimulated, cfg.Settlement.Mode)
	assert.Equal(t, "stderr", cfg.Logging.Output)

	assets, err := cfg.MonitoredAssets()
	require.NoError(t, err)
	assert.Equal(t, []domain.Asset{domain.AssetBTC, domain.AssetETH, domain.AssetSOL}, assets)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
app:
  assets: [sol, btc]
oracle:
  feed_ids:
    SOL: "0xabc"
pricing:
  assets:
    BTC:
      volatility: 0.65
      risk_free_rate: 0
`)
	t.Setenv("LIQGUARD_SCHEDULER_INTERVAL", "250ms")
	t.Setenv("LIQGUARD_SETTLEMENT_WORKERS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Interval)
	assert.Equal(t, 9, cfg.Settlement.Workers)

	assets, err := cfg.MonitoredAssets()
	require.NoError(t, err)
	assert.Equal(t, []domain.Asset{domain.AssetSOL, domain.AssetBTC}, assets)
	assert.Equal(t, "0xabc", cfg.FeedIDOverrides()[domain.AssetSOL])

	require.Contains(t, cfg.Pricing.Assets, "btc")
	assert.Equal(t, 0.65, cfg.Pricing.Assets["btc"].Volatility)
	require.NotNil(t, cfg.Pricing.Assets["btc"].RiskFreeRate)
	assert.Zero(t, *cfg.Pricing.Assets["btc"].RiskFreeRate)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown asset":      "app:\n  assets: [DOGE]\n",
		"duplicate asset":    "app:\n  assets: [BTC, btc]\n",
		"bad mode":           "settlement:\n  mode: manual\n",
		"evm incomplete":     "settlement:\n  mode: evm\n  evm:\n    rpc_url: http://localhost:8545\n",
		"negative vig":       "pricing:\n  vig_rate: -0.1\n",
		"strike ratio":       "pricing:\n  strike_ratio: 1.5\n",
		"telegram no token":  "alerting:\n  telegram:\n    enabled: true\n    chat_id: \"1\"\n",
		"chainlink no rpc":   "oracle:\n  chainlink:\n    enabled: true\n",
		"zero interval":      "scheduler:\n  interval: 0s\n",
		"unknown feed asset": "oracle:\n  feed_ids:\n    XRP: \"0x1\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}
