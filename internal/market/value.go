package market

import "math"

// Value 表示可能缺失的数值。基本面字段（PE/PB 等）经常缺数，
// 用显式的 Valid 标志承载“不可用”，而不是依赖 NaN 传播。
type Value struct {
	Num   float64
	Valid bool
}

func Some(v float64) Value {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Value{}
	}
	return Value{Num: v, Valid: true}
}

func None() Value {
	return Value{}
}

// Float 返回数值，缺失时返回 NaN，便于交给向量计算。
func (v Value) Float() float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Num
}

// Bool 把数值当作布尔信号：缺失一律为 false。
func (v Value) Bool() bool {
	return v.Valid && v.Num != 0
}
