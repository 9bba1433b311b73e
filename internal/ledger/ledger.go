// Package ledger 维护单个策略回测的资金与持仓账本。
// 每个回测独占一份账本，顺序更新，无需加锁。
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"quantback/internal/market"
)

// ErrCorruption 表示账本不变式被破坏（负现金、超卖等）。
// 这是逻辑缺陷而非数据问题，必须让整个回测失败，绝不吞掉。
var ErrCorruption = errors.New("账本状态损坏")

// Position 为一只标的的持仓记录。
type Position struct {
	Symbol   string
	Quantity int64
	// AvgCost 为含费摊薄成本。
	AvgCost decimal.Decimal
	// FirstBuyDate 为本轮持仓最早买入日，清仓后重新计。
	FirstBuyDate market.Date
}

// MarketValue 返回按价计算的持仓市值。
func (p *Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// Ledger 为资金与持仓账本。
type Ledger struct {
	cash      decimal.Decimal
	positions map[string]*Position
}

// New 以初始资金创建账本。
func New(initialCash decimal.Decimal) (*Ledger, error) {
	if initialCash.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("初始资金必须为正: %s", initialCash)
	}
	return &Ledger{
		cash:      initialCash,
		positions: make(map[string]*Position),
	}, nil
}

// Cash 返回当前现金。
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Position 返回持仓记录；未持有时返回 nil。
func (l *Ledger) Position(symbol string) *Position {
	return l.positions[symbol]
}

// Holdings 返回当前全部持仓标的，顺序不保证。
func (l *Ledger) Holdings() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	return out
}

// HoldingCount 返回持仓只数。
func (l *Ledger) HoldingCount() int { return len(l.positions) }

// ApplyBuy 记买入：现金减少成交额与费用，持仓增加并摊薄成本。
// 现金不足触发 ErrCorruption，调仓引擎在下单前就应校验过资金。
func (l *Ledger) ApplyBuy(symbol string, quantity int64, price, fees decimal.Decimal, d market.Date) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: 买入数量非正 %s x%d", ErrCorruption, symbol, quantity)
	}
	cost := price.Mul(decimal.NewFromInt(quantity)).Add(fees)
	newCash := l.cash.Sub(cost)
	if newCash.IsNegative() {
		return fmt.Errorf("%w: 买入 %s 后现金为负 %s", ErrCorruption, symbol, newCash)
	}
	l.cash = newCash

	p, held := l.positions[symbol]
	if !held {
		l.positions[symbol] = &Position{
			Symbol:       symbol,
			Quantity:     quantity,
			AvgCost:      cost.Div(decimal.NewFromInt(quantity)),
			FirstBuyDate: d,
		}
		return nil
	}
	totalQty := p.Quantity + quantity
	totalCost := p.AvgCost.Mul(decimal.NewFromInt(p.Quantity)).Add(cost)
	p.Quantity = totalQty
	p.AvgCost = totalCost.Div(decimal.NewFromInt(totalQty))
	return nil
}

// ApplySell 记卖出：持仓减少，现金增加扣费后的回款。
// 卖出数量超过持仓触发 ErrCorruption。
func (l *Ledger) ApplySell(symbol string, quantity int64, price, fees decimal.Decimal) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: 卖出数量非正 %s x%d", ErrCorruption, symbol, quantity)
	}
	p, held := l.positions[symbol]
	if !held || p.Quantity < quantity {
		have := int64(0)
		if held {
			have = p.Quantity
		}
		return fmt.Errorf("%w: 卖出 %s x%d 超过持仓 %d", ErrCorruption, symbol, quantity, have)
	}
	proceeds := price.Mul(decimal.NewFromInt(quantity)).Sub(fees)
	newCash := l.cash.Add(proceeds)
	if newCash.IsNegative() {
		return fmt.Errorf("%w: 卖出 %s 后现金为负 %s", ErrCorruption, symbol, newCash)
	}
	l.cash = newCash
	p.Quantity -= quantity
	if p.Quantity == 0 {
		delete(l.positions, symbol)
	}
	return nil
}

// Equity 按给定价格表计算总权益（现金加持仓市值）。
// 缺价的标的用停牌前最后成交价由调用方兜底，这里缺价按持仓成本计。
func (l *Ledger) Equity(marks map[string]decimal.Decimal) decimal.Decimal {
	equity := l.cash
	for sym, p := range l.positions {
		if price, ok := marks[sym]; ok {
			equity = equity.Add(p.MarketValue(price))
			continue
		}
		equity = equity.Add(p.AvgCost.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return equity
}
