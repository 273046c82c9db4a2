package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	require.NoError(t, v.Unmarshal(cfg))
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaults(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, int64(1500), cfg.Settlement.AutoPayoutThreshold)
	assert.Equal(t, int64(500), cfg.Settlement.ManualPayoutThreshold)
	assert.Equal(t, "platform", cfg.Settlement.AutoFeeBearer)
	assert.Equal(t, "vendor", cfg.Settlement.ManualFeeBearer)
	assert.Equal(t, 2*time.Minute, cfg.Settlement.PromptTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Settlement.AutoReleaseAfter)
	require.Len(t, cfg.Settlement.AutoFeeBands, 3)
	assert.Equal(t, FeeBandConfig{UpTo: 1000, Fee: 15}, cfg.Settlement.AutoFeeBands[0])
	require.Len(t, cfg.Pricing.Zones, 1)
	assert.Equal(t, int64(200), cfg.Pricing.Zones[0].Fee)
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]func(c *Config){
		"commission rate not a number": func(c *Config) { c.Settlement.CommissionRate = "ten percent" },
		"commission rate of one":       func(c *Config) { c.Settlement.CommissionRate = "1" },
		"manual threshold above auto":  func(c *Config) { c.Settlement.ManualPayoutThreshold = 2000 },
		"zero manual threshold":        func(c *Config) { c.Settlement.ManualPayoutThreshold = 0 },
		"empty bands":                  func(c *Config) { c.Settlement.AutoFeeBands = nil },
		"unsorted bands": func(c *Config) {
			c.Settlement.ManualFeeBands = []FeeBandConfig{{UpTo: 500, Fee: 50}, {UpTo: 100, Fee: 10}, {Fee: 150}}
		},
		"unbounded band in the middle": func(c *Config) {
			c.Settlement.AutoFeeBands = []FeeBandConfig{{UpTo: 0, Fee: 15}, {UpTo: 5000, Fee: 25}}
		},
		"negative fee":   func(c *Config) { c.Settlement.AutoFeeBands[0].Fee = -1 },
		"unknown bearer": func(c *Config) { c.Settlement.AutoFeeBearer = "buyer" },
		"unknown driver": func(c *Config) { c.Database.Driver = "oracle" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaults(t)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
settlement:
  auto_payout_threshold: 2000
gateways:
  mode: production
`), 0o600))
	t.Setenv("SETTLEMENT_SETTLEMENT_MANUAL_PAYOUT_THRESHOLD", "750")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, int64(2000), cfg.Settlement.AutoPayoutThreshold)
	assert.Equal(t, int64(750), cfg.Settlement.ManualPayoutThreshold)
	assert.True(t, cfg.Gateways.Production())
	assert.Equal(t, "KES", cfg.Settlement.Currency)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
