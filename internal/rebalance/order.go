package rebalance

import (
	"github.com/shopspring/decimal"

	"quantback/internal/constraint"
	"quantback/internal/fee"
	"quantback/internal/market"
)

// OrderStatus 为订单终态。被约束拒绝的订单照样入审计流水，
// 只是不参与结算。
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
)

// 拒绝原因。
const (
	ReasonLimitUp   = "price_band_limit_up"
	ReasonLimitDown = "price_band_limit_down"
)

// Order 为一笔调仓订单记录，只追加不修改。
type Order struct {
	Seq      int             `json:"seq"`
	Date     market.Date     `json:"date"`
	Symbol   string          `json:"symbol"`
	Side     constraint.Side `json:"side"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Fees     fee.Breakdown   `json:"fees"`
	Status   OrderStatus     `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	// RealizedPnL 仅在卖出成交时填写：剔除费用后相对摊薄成本的已实现盈亏。
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	// BandUnverifiable 表示缺前收盘价，涨跌停校验被跳过。
	BandUnverifiable bool `json:"band_unverifiable,omitempty"`
}
