package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"quantback/internal/rebalance"
)

// computeStats 从资金曲线与订单流水汇总指标。
func computeStats(initial decimal.Decimal, equity []EquityPoint, orders []rebalance.Order) RunStats {
	stats := RunStats{
		Orders:     len(orders),
		FinishedAt: time.Now(),
	}
	init := decimalFloat(initial)
	if len(equity) > 0 {
		final := equity[len(equity)-1].Equity
		stats.FinalEquity = final
		stats.Profit = final - init
		if init > 0 {
			stats.ReturnPct = (final - init) / init * 100
		}
		stats.MaxDrawdownPct = maxDrawdown(equity) * 100
		stats.AnnualizedPct = annualized(init, final,
			equity[0].Date.Time(), equity[len(equity)-1].Date.Time()) * 100
		stats.RebalanceDates = len(equity)
	}

	var traded decimal.Decimal
	for _, o := range orders {
		if o.Status == rebalance.OrderRejected {
			stats.Rejected++
			continue
		}
		stats.Fills++
		traded = traded.Add(o.Price.Mul(decimal.NewFromInt(o.Quantity)))
		if o.RealizedPnL.IsZero() {
			continue
		}
		if o.RealizedPnL.IsPositive() {
			stats.Wins++
		} else {
			stats.Losses++
		}
	}
	if rounds := stats.Wins + stats.Losses; rounds > 0 {
		stats.WinRate = float64(stats.Wins) / float64(rounds)
	}
	if init > 0 {
		stats.TurnoverRatio = decimalFloat(traded) / init
	}
	return stats
}

// maxDrawdown 返回资金曲线的最大回撤比例，同时就地回填每个点的回撤。
func maxDrawdown(equity []EquityPoint) float64 {
	peak := 0.0
	worst := 0.0
	for i := range equity {
		if equity[i].Equity > peak {
			peak = equity[i].Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - equity[i].Equity) / peak
		}
		equity[i].Drawdown = dd
		if dd > worst {
			worst = dd
		}
	}
	return worst
}

// annualized 按自然日年化收益率。
func annualized(initial, final float64, start, end time.Time) float64 {
	if initial <= 0 || final <= 0 {
		return 0
	}
	days := end.Sub(start).Hours() / 24
	if days < 1 {
		days = 1
	}
	ratio := final / initial
	years := days / 365
	return math.Pow(ratio, 1/years) - 1
}
