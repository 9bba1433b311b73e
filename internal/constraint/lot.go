package constraint

import "github.com/shopspring/decimal"

// LotRounder 把股数调整为整手。A 股一手 100 股，买卖必须是整手倍数。
type LotRounder struct {
	LotSize int64
}

func NewLotRounder(lotSize int64) *LotRounder {
	if lotSize <= 0 {
		lotSize = 100
	}
	return &LotRounder{LotSize: lotSize}
}

// RoundToLot 向下取整到整手，绝不向上（向上会超出分配的资金）。
func (r *LotRounder) RoundToLot(rawShares float64) int64 {
	if rawShares <= 0 {
		return 0
	}
	lots := int64(rawShares) / r.LotSize
	return lots * r.LotSize
}

// SizeForValue 按目标金额与价格计算整手股数。
// 不足一手时返回 ok=false，而不是生成零股订单。
func (r *LotRounder) SizeForValue(targetValue, price decimal.Decimal) (int64, bool) {
	if price.LessThanOrEqual(decimal.Zero) || targetValue.LessThanOrEqual(decimal.Zero) {
		return 0, false
	}
	raw := targetValue.Div(price).IntPart()
	shares := (raw / r.LotSize) * r.LotSize
	if shares < r.LotSize {
		return 0, false
	}
	return shares, true
}
