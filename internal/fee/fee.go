// Package fee 实现 A 股交易费用计算。费率表是数据而不是代码分支，
// 由外部加载后按引用传入，方便切换不同时期的费率。
package fee

import (
	"fmt"

	"github.com/shopspring/decimal"

	"quantback/internal/constraint"
)

// Schedule 为一套命名费率表。
// 佣金双边收取且有最低值，印花税只在卖出时收，过户费双边收取。
type Schedule struct {
	Name          string          `yaml:"name"`
	BrokerageRate decimal.Decimal `yaml:"brokerage_rate"`
	MinBrokerage  decimal.Decimal `yaml:"min_brokerage"`
	StampTaxRate  decimal.Decimal `yaml:"stamp_tax_rate"`
	TransferRate  decimal.Decimal `yaml:"transfer_rate"`
	// Fixed 非零时每笔收固定费用，忽略其余费率。
	Fixed decimal.Decimal `yaml:"fixed"`
}

// Breakdown 为单笔订单的费用明细。
type Breakdown struct {
	Brokerage decimal.Decimal `json:"brokerage"`
	StampTax  decimal.Decimal `json:"stamp_tax"`
	Transfer  decimal.Decimal `json:"transfer"`
	Total     decimal.Decimal `json:"total"`
}

// 内置费率表。2023 年 8 月印花税减半，佣金市场价也在降，
// 回测跨越该时点时应分段选表。
var (
	// ScheduleV1 2023 年前的常见费率。
	ScheduleV1 = Schedule{
		Name:          "v1",
		BrokerageRate: decimal.NewFromFloat(0.00025),
		MinBrokerage:  decimal.NewFromInt(5),
		StampTaxRate:  decimal.NewFromFloat(0.001),
		TransferRate:  decimal.NewFromFloat(0.00001),
	}
	// ScheduleV2 当前费率。
	ScheduleV2 = Schedule{
		Name:          "v2",
		BrokerageRate: decimal.NewFromFloat(0.0002),
		MinBrokerage:  decimal.NewFromInt(5),
		StampTaxRate:  decimal.NewFromFloat(0.0005),
		TransferRate:  decimal.NewFromFloat(0.00001),
	}
	// ScheduleZero 零费率，用于隔离费用影响的对照回测。
	ScheduleZero = Schedule{Name: "zero"}
)

// FixedSchedule 构造每笔固定费用的费率表。
func FixedSchedule(perOrder float64) Schedule {
	return Schedule{Name: "fixed", Fixed: decimal.NewFromFloat(perOrder)}
}

// BuiltinSchedule 按名称取内置费率表。
func BuiltinSchedule(name string) (Schedule, error) {
	switch name {
	case "", "v2":
		return ScheduleV2, nil
	case "v1":
		return ScheduleV1, nil
	case "zero":
		return ScheduleZero, nil
	default:
		return Schedule{}, fmt.Errorf("未知费率表: %s", name)
	}
}

// Calculate 计算一笔订单的费用明细。纯函数，无内部状态。
func Calculate(side constraint.Side, quantity int64, price decimal.Decimal, s Schedule) Breakdown {
	if !s.Fixed.IsZero() {
		return Breakdown{Brokerage: s.Fixed, Total: s.Fixed}
	}
	value := price.Mul(decimal.NewFromInt(quantity))

	brokerage := value.Mul(s.BrokerageRate)
	if !s.BrokerageRate.IsZero() && brokerage.LessThan(s.MinBrokerage) {
		brokerage = s.MinBrokerage
	}
	transfer := value.Mul(s.TransferRate)
	tax := decimal.Zero
	if side == constraint.Sell {
		tax = value.Mul(s.StampTaxRate)
	}
	return Breakdown{
		Brokerage: brokerage,
		StampTax:  tax,
		Transfer:  transfer,
		Total:     brokerage.Add(tax).Add(transfer),
	}
}
