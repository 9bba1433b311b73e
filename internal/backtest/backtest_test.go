package backtest

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/factor"
	"quantback/internal/fee"
	"quantback/internal/market"
	"quantback/internal/rebalance"
	"quantback/internal/strategy"
)

func TestRebalanceDates(t *testing.T) {
	cal := []market.Date{
		market.MustDate("20240102"), market.MustDate("20240103"),
		market.MustDate("20240104"), market.MustDate("20240105"),
		market.MustDate("20240108"), market.MustDate("20240109"),
		market.MustDate("20240115"),
		market.MustDate("20240201"), market.MustDate("20240202"),
	}

	t.Run("daily 全部交易日", func(t *testing.T) {
		assert.Len(t, RebalanceDates(cal, strategy.PeriodDaily), len(cal))
	})

	t.Run("weekly 取每周首个交易日", func(t *testing.T) {
		got := RebalanceDates(cal, strategy.PeriodWeekly)
		want := []market.Date{
			market.MustDate("20240102"),
			market.MustDate("20240108"),
			market.MustDate("20240115"),
			market.MustDate("20240201"),
		}
		assert.Equal(t, want, got)
	})

	t.Run("monthly 取每月首个交易日", func(t *testing.T) {
		got := RebalanceDates(cal, strategy.PeriodMonthly)
		want := []market.Date{
			market.MustDate("20240102"),
			market.MustDate("20240201"),
		}
		assert.Equal(t, want, got)
	})
}

func TestComputeStats(t *testing.T) {
	initial := decimal.NewFromInt(100000)
	equity := []EquityPoint{
		{Date: market.MustDate("20240102"), Equity: 100000},
		{Date: market.MustDate("20240702"), Equity: 120000},
		{Date: market.MustDate("20241230"), Equity: 108000},
	}
	orders := []rebalance.Order{
		{Status: rebalance.OrderFilled, Quantity: 100, Price: decimal.NewFromInt(10)},
		{Status: rebalance.OrderFilled, Quantity: 100, Price: decimal.NewFromInt(12),
			RealizedPnL: decimal.NewFromInt(200)},
		{Status: rebalance.OrderFilled, Quantity: 100, Price: decimal.NewFromInt(9),
			RealizedPnL: decimal.NewFromInt(-100)},
		{Status: rebalance.OrderRejected, Quantity: 100, Price: decimal.NewFromInt(11)},
	}

	stats := computeStats(initial, equity, orders)
	assert.InDelta(t, 8.0, stats.ReturnPct, 1e-9)
	// 峰值 12 万回落到 10.8 万，回撤 10%
	assert.InDelta(t, 10.0, stats.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 3, stats.Fills)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, (1000.0+1200+900)/100000, stats.TurnoverRatio, 1e-9)
	assert.Greater(t, stats.AnnualizedPct, 0.0)
	// 回撤就地回填
	assert.InDelta(t, 0.10, equity[2].Drawdown, 1e-9)
}

func testPanel(t *testing.T, closes map[string][]float64, universe []string) *market.Panel {
	series := make(map[string]*market.SymbolSeries, len(closes))
	base := market.MustDate("20240101")
	for sym, cs := range closes {
		n := len(cs)
		s := &market.SymbolSeries{
			Symbol:   sym,
			Meta:     market.SymbolMeta{Symbol: sym, Board: market.BoardRegular},
			Dates:    make([]market.Date, n),
			Open:     append([]float64(nil), cs...),
			High:     append([]float64(nil), cs...),
			Low:      append([]float64(nil), cs...),
			Close:    cs,
			Volume:   make([]float64, n),
			Turnover: make([]float64, n),
			PE:       make([]market.Value, n),
			PB:       make([]market.Value, n),
			PS:       make([]market.Value, n),
			ROE:      make([]market.Value, n),
			TotalMV:  make([]market.Value, n),
		}
		for i := 0; i < n; i++ {
			s.Dates[i] = market.Date(int(base) + i)
			s.Volume[i] = 10000
			s.Turnover[i] = 1
			s.PE[i] = market.None()
			s.PB[i] = market.None()
			s.PS[i] = market.None()
			s.ROE[i] = market.None()
			s.TotalMV[i] = market.None()
		}
		series[sym] = s
	}
	p, err := market.NewPanel(universe, series)
	require.NoError(t, err)
	return p
}

func testStrategy(t *testing.T, name string, universe []string) *strategy.Compiled {
	def := strategy.Definition{
		Name:            name,
		Universe:        universe,
		BuyConditions:   []string{"roc(close, 1) > 0"},
		BuyAtLeastCount: 1,
		RankExpr:        "roc(close, 1)",
		TopK:            1,
		Period:          strategy.PeriodDaily,
	}
	c, err := def.Compile(factor.DefaultRegistry())
	require.NoError(t, err)
	return c
}

func TestRun(t *testing.T) {
	closes := map[string][]float64{
		"A": {10, 10.3, 10.5, 10.8},
		"B": {20, 19.8, 20.1, 20.0},
	}
	p := testPanel(t, closes, []string{"A", "B"})

	t.Run("完整回测", func(t *testing.T) {
		res := Run(context.Background(), RunnerConfig{
			Strategy:    testStrategy(t, "mom", []string{"A", "B"}),
			Panel:       p,
			Evaluator:   factor.NewEvaluator(factor.NewCache()),
			Schedule:    fee.ScheduleZero,
			InitialCash: decimal.NewFromInt(100000),
			Start:       p.Calendar[0],
			End:         p.Calendar[len(p.Calendar)-1],
			LotSize:     100,
		})
		assert.Equal(t, RunStatusDone, res.Status)
		assert.NotEmpty(t, res.RunID)
		assert.Len(t, res.Equity, len(p.Calendar))
		assert.NotEmpty(t, res.Orders)
		assert.Greater(t, res.Stats.FinalEquity, 0.0)
		// 最后一日 A 上涨，推荐应包含 A
		require.NotEmpty(t, res.Recommendations)
		assert.Equal(t, "A", res.Recommendations[0].Symbol)
	})

	t.Run("取消保留前缀", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := Run(ctx, RunnerConfig{
			Strategy:    testStrategy(t, "mom", []string{"A", "B"}),
			Panel:       p,
			Evaluator:   factor.NewEvaluator(nil),
			Schedule:    fee.ScheduleZero,
			InitialCash: decimal.NewFromInt(100000),
			Start:       p.Calendar[0],
			End:         p.Calendar[len(p.Calendar)-1],
			LotSize:     100,
		})
		assert.Equal(t, RunStatusPartial, res.Status)
		assert.Empty(t, res.Equity)
		assert.NotEmpty(t, res.Message)
	})

	t.Run("空区间失败", func(t *testing.T) {
		res := Run(context.Background(), RunnerConfig{
			Strategy:    testStrategy(t, "mom", []string{"A", "B"}),
			Panel:       p,
			Evaluator:   factor.NewEvaluator(nil),
			Schedule:    fee.ScheduleZero,
			InitialCash: decimal.NewFromInt(100000),
			Start:       market.MustDate("20300101"),
			End:         market.MustDate("20300201"),
			LotSize:     100,
		})
		assert.Equal(t, RunStatusFailed, res.Status)
	})
}

func TestOrchestratorRunAll(t *testing.T) {
	closes := map[string][]float64{
		"A": {10, 10.3, 10.5, 10.8},
		"B": {20, 19.8, 20.1, 20.3},
		"C": {5, 5.1, 5.0, 5.2},
	}
	universe := []string{"A", "B", "C"}
	p := testPanel(t, closes, universe)

	o := NewOrchestrator(OrchestratorConfig{
		Panel:       p,
		InitialCash: decimal.NewFromInt(100000),
		Start:       p.Calendar[0],
		End:         p.Calendar[len(p.Calendar)-1],
		Workers:     2,
		LotSize:     100,
	})
	strategies := []*strategy.Compiled{
		testStrategy(t, "s1", universe),
		testStrategy(t, "s2", []string{"B", "C"}),
		testStrategy(t, "s3", []string{"A"}),
	}
	results := o.RunAll(context.Background(), strategies)

	require.Len(t, results, 3)
	for i, res := range results {
		require.NotNil(t, res, i)
		assert.Equal(t, strategies[i].Name, res.Strategy)
		assert.Equal(t, RunStatusDone, res.Status)
	}
}

func TestConsensus(t *testing.T) {
	results := []*Result{
		{Strategy: "s1", Status: RunStatusDone, Recommendations: []rebalance.Recommendation{
			{Symbol: "A", Score: 0.8}, {Symbol: "B", Score: 0.5},
		}},
		{Strategy: "s2", Status: RunStatusDone, Recommendations: []rebalance.Recommendation{
			{Symbol: "A", Score: 0.6},
		}},
		{Strategy: "s3", Status: RunStatusFailed, Recommendations: []rebalance.Recommendation{
			{Symbol: "C", Score: 0.9},
		}},
	}
	got := Consensus(results)
	require.Len(t, got, 2) // 失败的 s3 不参与
	assert.Equal(t, "A", got[0].Symbol)
	assert.Equal(t, 2, got[0].BuyCount)
	assert.InDelta(t, 0.7, got[0].AvgScore, 1e-9)
	assert.Equal(t, []string{"s1", "s2"}, got[0].Strategies)
	assert.Equal(t, "B", got[1].Symbol)
}

func TestResultStore(t *testing.T) {
	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	res := &Result{
		RunID:    "run-1",
		Strategy: "mom",
		Status:   RunStatusDone,
		Config:   RunConfig{Strategy: "mom", Start: "2024-01-02", End: "2024-01-05", InitialCash: "100000"},
		Stats:    RunStats{FinalEquity: 108000, ReturnPct: 8, Orders: 2},
		Equity: []EquityPoint{
			{Date: market.MustDate("20240102"), Equity: 100000},
			{Date: market.MustDate("20240105"), Equity: 108000, Drawdown: 0.01},
		},
		Recommendations: []rebalance.Recommendation{{Symbol: "A", Score: 0.8}},
	}
	orders := []rebalance.Order{
		{Seq: 1, Date: market.MustDate("20240102"), Symbol: "A", Quantity: 9000,
			Price: decimal.NewFromFloat(10.5), Status: rebalance.OrderFilled,
			Fees: fee.Breakdown{Total: decimal.NewFromFloat(5.1)}},
		{Seq: 2, Date: market.MustDate("20240105"), Symbol: "A", Quantity: 9000,
			Price: decimal.NewFromFloat(12.0), Status: rebalance.OrderRejected,
			Reason: rebalance.ReasonLimitUp},
	}

	require.NoError(t, store.SaveResult(res))
	require.NoError(t, store.SaveOrders(res.RunID, orders))

	t.Run("列表", func(t *testing.T) {
		runs, err := store.ListRuns(10)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "run-1", runs[0].RunID)
		assert.InDelta(t, 8.0, runs[0].ReturnPct, 1e-9)
	})

	t.Run("读回完整记录", func(t *testing.T) {
		got, err := store.GetRun("run-1")
		require.NoError(t, err)
		assert.Equal(t, "mom", got.Strategy)
		assert.Len(t, got.Equity, 2)
		require.Len(t, got.Orders, 2)
		assert.Equal(t, rebalance.OrderRejected, got.Orders[1].Status)
		assert.True(t, got.Orders[0].Price.Equal(decimal.NewFromFloat(10.5)))
		require.Len(t, got.Recommendations, 1)
		assert.Equal(t, "A", got.Recommendations[0].Symbol)
	})

	t.Run("不存在的 run", func(t *testing.T) {
		_, err := store.GetRun("nope")
		assert.Error(t, err)
	})

	t.Run("每策略最新完成", func(t *testing.T) {
		latest, err := store.LatestPerStrategy()
		require.NoError(t, err)
		require.Len(t, latest, 1)
		assert.Equal(t, "run-1", latest[0].RunID)
	})
}
