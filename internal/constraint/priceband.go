package constraint

import (
	"github.com/shopspring/decimal"

	"quantback/internal/market"
)

// 各板块涨跌幅限制。
var (
	bandRegular = decimal.NewFromFloat(0.10)
	bandST      = decimal.NewFromFloat(0.05)
	bandGrowth  = decimal.NewFromFloat(0.20)
	bandNEEQ    = decimal.NewFromFloat(0.30)
)

// Side 标识订单方向。
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Band 为某标的某日生效的涨跌幅限制。
type Band struct {
	Limit        decimal.Decimal
	Unrestricted bool   // 新股上市初期不设限
	Kind         string // regular/st/growth/neeq/new_listing
}

// BandChecker 根据板块分类计算涨跌停价格限制。无内部状态，
// 判定只依赖输入。
type BandChecker struct {
	// NewListingDays 内的新上市标的不受涨跌幅限制。
	NewListingDays int
}

func NewBandChecker(newListingDays int) *BandChecker {
	if newListingDays <= 0 {
		newListingDays = 5
	}
	return &BandChecker{NewListingDays: newListingDays}
}

// Classify 返回标的在 asOf 日的涨跌幅限制。
func (c *BandChecker) Classify(meta market.SymbolMeta, asOf market.Date) Band {
	if meta.ListDate > 0 {
		days := int(asOf.Time().Sub(meta.ListDate.Time()).Hours() / 24)
		if days >= 0 && days <= c.NewListingDays {
			return Band{Unrestricted: true, Kind: "new_listing"}
		}
	}
	switch meta.Board {
	case market.BoardST:
		return Band{Limit: bandST, Kind: "st"}
	case market.BoardGrowth:
		return Band{Limit: bandGrowth, Kind: "growth"}
	case market.BoardNEEQ:
		return Band{Limit: bandNEEQ, Kind: "neeq"}
	default:
		return Band{Limit: bandRegular, Kind: "regular"}
	}
}

// BandResult 为一次涨跌停判定的结果。
type BandResult struct {
	Blocked bool
	// Unverifiable 表示缺少前收盘价（如首根 K 线），无法校验，
	// 不拦截但需在订单上留痕。
	Unverifiable bool
	Kind         string
}

// Check 判定订单价是否触及涨跌停：
// 买入被拦截当 price >= prior_close*(1+limit)；
// 卖出被拦截当 price <= prior_close*(1-limit)。
// 定点数比较，无浮点容差问题。
func (c *BandChecker) Check(side Side, orderPrice decimal.Decimal, priorClose market.Value, band Band) BandResult {
	if band.Unrestricted {
		return BandResult{Kind: band.Kind}
	}
	if !priorClose.Valid || priorClose.Num <= 0 {
		return BandResult{Unverifiable: true, Kind: band.Kind}
	}
	prev := decimal.NewFromFloat(priorClose.Num)
	one := decimal.NewFromInt(1)
	switch side {
	case Buy:
		limitUp := prev.Mul(one.Add(band.Limit))
		return BandResult{Blocked: orderPrice.GreaterThanOrEqual(limitUp), Kind: band.Kind}
	default:
		limitDown := prev.Mul(one.Sub(band.Limit))
		return BandResult{Blocked: orderPrice.LessThanOrEqual(limitDown), Kind: band.Kind}
	}
}
