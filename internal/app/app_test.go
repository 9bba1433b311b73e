package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qbcfg "quantback/internal/config"
)

const appTestCSV = `symbol,date,open,high,low,close,volume
600000.SH,2024-01-02,10.00,10.20,9.90,10.10,12000
600000.SH,2024-01-03,10.10,10.50,10.05,10.40,15000
600000.SH,2024-01-04,10.40,10.60,10.30,10.50,13000
600000.SH,2024-01-05,10.50,10.70,10.40,10.65,14000
000001.SZ,2024-01-02,20.00,20.20,19.90,20.10,8000
000001.SZ,2024-01-03,20.10,20.30,20.00,20.05,9000
000001.SZ,2024-01-04,20.05,20.40,20.00,20.30,9500
000001.SZ,2024-01-05,20.30,20.50,20.20,20.45,9700
`

const appTestStrategy = `{
  "name": "smoke",
  "universe": ["600000.SH", "000001.SZ"],
  "buy_conditions": ["roc(close, 1) > 0"],
  "buy_at_least_count": 1,
  "rank_expr": "roc(close, 1)",
  "top_k": 1,
  "period": "daily"
}`

func testConfig(t *testing.T) *qbcfg.Config {
	t.Helper()
	root := t.TempDir()
	csvDir := filepath.Join(root, "csv")
	stratDir := filepath.Join(root, "strategies")
	require.NoError(t, os.MkdirAll(csvDir, 0o755))
	require.NoError(t, os.MkdirAll(stratDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(csvDir, "bars.csv"), []byte(appTestCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stratDir, "smoke.json"), []byte(appTestStrategy), 0o644))

	return &qbcfg.Config{
		App: qbcfg.AppConfig{LogLevel: "error"},
		Data: qbcfg.DataConfig{
			BarDB:     filepath.Join(root, "bars.db"),
			CSVDir:    csvDir,
			ResultDir: filepath.Join(root, "results"),
		},
		Strategy: qbcfg.StrategyConfig{Dir: stratDir},
		Backtest: qbcfg.BacktestConfig{
			Universe:       []string{"600000.SH", "000001.SZ"},
			Start:          "2024-01-02",
			End:            "2024-01-05",
			InitialCash:    100000,
			LotSize:        100,
			NewListingDays: 5,
			ReportPath:     filepath.Join(root, "report.html"),
		},
	}
}

func TestAppRunOnce(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Run(context.Background()))

	// 报告落盘
	data, err := os.ReadFile(cfg.Backtest.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "smoke 净值")

	// 结果入库
	runs, err := a.results.ListRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "smoke", runs[0].Strategy)
	assert.Equal(t, "done", runs[0].Status)
}

func TestAppNewFailsOnBadStrategyDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategy.Dir = filepath.Join(t.TempDir(), "missing")
	_, err := NewApp(context.Background(), cfg)
	require.Error(t, err)
}
