package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  log_level: debug
data:
  bar_db: /tmp/qb/bars.db
backtest:
  universe: ["600000.SH", "000001.SZ"]
  start: "2023-01-01"
  end: "2024-01-01"
  initial_cash: 500000
server:
  enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("读取并填默认值", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.App.LogLevel)
		assert.Equal(t, "/tmp/qb/bars.db", cfg.Data.BarDB)
		assert.Equal(t, "data/results", cfg.Data.ResultDir)
		assert.Equal(t, "configs/strategies", cfg.Strategy.Dir)
		assert.True(t, cfg.Strategy.Watch)
		assert.Equal(t, 500000.0, cfg.Backtest.InitialCash)
		assert.Equal(t, int64(100), cfg.Backtest.LotSize)
		assert.Equal(t, 5, cfg.Backtest.NewListingDays)
		assert.Equal(t, ":9980", cfg.Server.Addr)
		assert.True(t, cfg.Server.Enabled)

		start, end := cfg.Backtest.Range()
		assert.Less(t, start, end)
	})

	t.Run("标的代码归一化", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
backtest:
  universe: ["600000", "000001.sz"]
  start: "2023-01-01"
  end: "2024-01-01"
`))
		require.NoError(t, err)
		assert.Equal(t, []string{"600000.SH", "000001.SZ"}, cfg.Backtest.Universe)
	})

	t.Run("文件不存在", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	cases := []struct {
		name string
		body string
		want string
	}{
		{"缺标的池", `
backtest:
  start: "2023-01-01"
  end: "2024-01-01"
`, "universe"},
		{"标的重复", `
backtest:
  universe: ["600000.SH", "600000.SH"]
  start: "2023-01-01"
  end: "2024-01-01"
`, "重复"},
		{"日期倒挂", `
backtest:
  universe: ["600000.SH"]
  start: "2024-01-01"
  end: "2023-01-01"
`, "早于"},
		{"初始资金非正", `
backtest:
  universe: ["600000.SH"]
  start: "2023-01-01"
  end: "2024-01-01"
  initial_cash: 0
`, "initial_cash"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
