// Package constraint 实现 A 股交易约束：T+1 结算、涨跌停限制、整手限制。
// 三个检查器相互独立，由调仓引擎组合使用。
package constraint

import (
	"quantback/internal/market"
)

// SettlementTracker 跟踪 T+1 限制：当日买入的仓位次一交易日才能卖出。
// 每个策略回测独占一份，无需加锁。
type SettlementTracker struct {
	buyDates map[string]market.Date
}

func NewSettlementTracker() *SettlementTracker {
	return &SettlementTracker{buyDates: make(map[string]market.Date)}
}

// RecordBuy 记录买入日期。加仓时保留最早未卖出的买入日，
// 保守处理：只要还有当日买入的份额就整体锁定。
func (t *SettlementTracker) RecordBuy(symbol string, d market.Date) {
	if prev, ok := t.buyDates[symbol]; ok && prev <= d {
		return
	}
	t.buyDates[symbol] = d
}

// CanSell 判断 asOf 日能否卖出。无买入记录视为历史持仓，可卖。
// 日期均为交易日，严格晚于买入日即满足 T+1。
func (t *SettlementTracker) CanSell(symbol string, asOf market.Date) bool {
	buy, ok := t.buyDates[symbol]
	if !ok {
		return true
	}
	return asOf > buy
}

// RemovePosition 清仓后移除记录。
func (t *SettlementTracker) RemovePosition(symbol string) {
	delete(t.buyDates, symbol)
}

// HeldSince 返回记录的买入日。
func (t *SettlementTracker) HeldSince(symbol string) (market.Date, bool) {
	d, ok := t.buyDates[symbol]
	return d, ok
}

// Reset 清空全部记录。
func (t *SettlementTracker) Reset() {
	t.buyDates = make(map[string]market.Date)
}
