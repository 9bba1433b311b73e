package backtest

import (
	"quantback/internal/market"
	"quantback/internal/strategy"
)

// RebalanceDates 从统一交易日历中选出调仓日：
// daily 为全部交易日，weekly 取每个 ISO 周的首个交易日，
// monthly 取每个月的首个交易日。
func RebalanceDates(calendar []market.Date, period string) []market.Date {
	switch period {
	case strategy.PeriodWeekly:
		var out []market.Date
		lastYear, lastWeek := -1, -1
		for _, d := range calendar {
			y, w := d.ISOWeek()
			if y != lastYear || w != lastWeek {
				out = append(out, d)
				lastYear, lastWeek = y, w
			}
		}
		return out
	case strategy.PeriodMonthly:
		var out []market.Date
		lastMonth := -1
		for _, d := range calendar {
			if mk := d.MonthKey(); mk != lastMonth {
				out = append(out, d)
				lastMonth = mk
			}
		}
		return out
	default:
		return append([]market.Date(nil), calendar...)
	}
}
