// Package strategy 定义选股策略的配置结构、加载与热更新。
// 策略文件是 JSON，先过 schema 校验再做字段一致性校验，
// 配置错误在加载期全部暴露，仿真开始后不再出现配置问题。
package strategy

import (
	"errors"
	"fmt"
	"strings"

	"quantback/internal/factor"
)

// ErrConfigInvalid 表示策略配置无效，加载期致命错误。
var ErrConfigInvalid = errors.New("策略配置无效")

// 调仓周期。
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// 排序方向。
const (
	OrderDesc = "desc"
	OrderAsc  = "asc"
)

// Definition 为一条策略的完整配置。
type Definition struct {
	Name     string   `json:"name"`
	Universe []string `json:"universe"`

	BuyConditions   []string `json:"buy_conditions"`
	BuyAtLeastCount int      `json:"buy_at_least_count"`

	SellConditions   []string `json:"sell_conditions"`
	SellAtLeastCount int      `json:"sell_at_least_count"`

	// RankExpr 为候选排序表达式，RankOrder 为 desc/asc。
	RankExpr  string `json:"rank_expr"`
	RankOrder string `json:"rank_order"`
	// DropN 先剔除排序头部 N 个，TopK 再取前 K 个。
	DropN int `json:"drop_n"`
	TopK  int `json:"top_k"`

	// Period 为调仓频率：daily/weekly/monthly。
	Period string `json:"period"`

	// FeeSchedule 为费率表名称，空值用默认表。
	FeeSchedule string `json:"fee_schedule"`

	// CashReserve 为建仓时预留的资金比例，默认 0.02。
	CashReserve float64 `json:"cash_reserve"`
}

// Compiled 为编译后的策略：全部表达式已解析为 AST。
type Compiled struct {
	Definition
	Buys  []*factor.Compiled
	Sells []*factor.Compiled
	Rank  *factor.Compiled
}

// MaxLookback 返回策略所有表达式中最大的回看需求。
func (c *Compiled) MaxLookback() int {
	max := 0
	for _, e := range c.Buys {
		if lb := e.Lookback(); lb > max {
			max = lb
		}
	}
	for _, e := range c.Sells {
		if lb := e.Lookback(); lb > max {
			max = lb
		}
	}
	if c.Rank != nil {
		if lb := c.Rank.Lookback(); lb > max {
			max = lb
		}
	}
	return max
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate 做字段一致性校验，不触碰任何数据。
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return invalidf("缺少策略名")
	}
	if len(d.Universe) == 0 {
		return invalidf("策略 %s 标的池为空", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Universe))
	for _, sym := range d.Universe {
		if strings.TrimSpace(sym) == "" {
			return invalidf("策略 %s 标的池含空白项", d.Name)
		}
		if _, dup := seen[sym]; dup {
			return invalidf("策略 %s 标的池重复: %s", d.Name, sym)
		}
		seen[sym] = struct{}{}
	}
	if len(d.BuyConditions) == 0 {
		return invalidf("策略 %s 没有买入条件", d.Name)
	}
	if d.BuyAtLeastCount < 1 || d.BuyAtLeastCount > len(d.BuyConditions) {
		return invalidf("策略 %s buy_at_least_count=%d 超出条件数 %d",
			d.Name, d.BuyAtLeastCount, len(d.BuyConditions))
	}
	if len(d.SellConditions) > 0 &&
		(d.SellAtLeastCount < 1 || d.SellAtLeastCount > len(d.SellConditions)) {
		return invalidf("策略 %s sell_at_least_count=%d 超出条件数 %d",
			d.Name, d.SellAtLeastCount, len(d.SellConditions))
	}
	if d.TopK < 1 {
		return invalidf("策略 %s top_k 必须不小于 1", d.Name)
	}
	if d.DropN < 0 {
		return invalidf("策略 %s drop_n 不能为负", d.Name)
	}
	switch d.Period {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return invalidf("策略 %s 调仓周期非法: %q", d.Name, d.Period)
	}
	switch d.RankOrder {
	case "", OrderDesc, OrderAsc:
	default:
		return invalidf("策略 %s 排序方向非法: %q", d.Name, d.RankOrder)
	}
	if d.RankExpr == "" {
		return invalidf("策略 %s 缺少排序表达式", d.Name)
	}
	if d.CashReserve < 0 || d.CashReserve >= 1 {
		return invalidf("策略 %s cash_reserve 必须在 [0,1) 区间", d.Name)
	}
	return nil
}

// Compile 校验并编译全部表达式。
func (d *Definition) Compile(reg *factor.Registry) (*Compiled, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	c := &Compiled{Definition: *d}
	if c.RankOrder == "" {
		c.RankOrder = OrderDesc
	}
	if c.CashReserve == 0 {
		c.CashReserve = 0.02
	}

	compileAll := func(kind string, exprs []string, wantBool bool) ([]*factor.Compiled, error) {
		out := make([]*factor.Compiled, 0, len(exprs))
		for i, src := range exprs {
			expr, err := reg.Compile(src)
			if err != nil {
				return nil, invalidf("策略 %s 第 %d 条%s条件: %v", d.Name, i+1, kind, err)
			}
			if wantBool && expr.Kind() != factor.KindBool {
				return nil, invalidf("策略 %s 第 %d 条%s条件不是布尔表达式: %s", d.Name, i+1, kind, src)
			}
			out = append(out, expr)
		}
		return out, nil
	}

	var err error
	if c.Buys, err = compileAll("买入", d.BuyConditions, true); err != nil {
		return nil, err
	}
	if c.Sells, err = compileAll("卖出", d.SellConditions, true); err != nil {
		return nil, err
	}
	rank, err := reg.Compile(d.RankExpr)
	if err != nil {
		return nil, invalidf("策略 %s 排序表达式: %v", d.Name, err)
	}
	if rank.Kind() != factor.KindNumber {
		return nil, invalidf("策略 %s 排序表达式必须是数值: %s", d.Name, d.RankExpr)
	}
	c.Rank = rank
	return c, nil
}
