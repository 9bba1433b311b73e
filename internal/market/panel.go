package market

import (
	"context"
	"fmt"
	"sort"
)

// 因子表达式可引用的字段名。
const (
	FieldOpen     = "open"
	FieldHigh     = "high"
	FieldLow      = "low"
	FieldClose    = "close"
	FieldVolume   = "volume"
	FieldTurnover = "turnover_rate"
	FieldPE       = "pe"
	FieldPB       = "pb"
	FieldPS       = "ps"
	FieldROE      = "roe"
	FieldTotalMV  = "total_mv"
)

// ValidField 判断字段名是否为表达式可引用的数据字段。
func ValidField(name string) (string, bool) {
	switch name {
	case FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume,
		FieldTurnover, FieldPE, FieldPB, FieldPS, FieldROE, FieldTotalMV:
		return name, true
	}
	return "", false
}

// SymbolSeries 为单只标的在回测区间内的对齐时间序列。
// 行情字段按自身交易日排列；基本面字段逐日对齐，缺数为 None。
type SymbolSeries struct {
	Symbol string
	Meta   SymbolMeta
	Dates  []Date

	Open     []float64
	High     []float64
	Low      []float64
	Close    []float64
	Volume   []float64
	Turnover []float64

	PE      []Value
	PB      []Value
	PS      []Value
	ROE     []Value
	TotalMV []Value
}

// Len 返回序列长度。
func (s *SymbolSeries) Len() int { return len(s.Dates) }

// Field 按名称取列。行情字段包一层 Some；未知字段返回 false。
func (s *SymbolSeries) Field(name string) ([]Value, bool) {
	wrap := func(xs []float64) []Value {
		out := make([]Value, len(xs))
		for i, x := range xs {
			out[i] = Some(x)
		}
		return out
	}
	switch name {
	case FieldOpen:
		return wrap(s.Open), true
	case FieldHigh:
		return wrap(s.High), true
	case FieldLow:
		return wrap(s.Low), true
	case FieldClose:
		return wrap(s.Close), true
	case FieldVolume:
		return wrap(s.Volume), true
	case FieldTurnover:
		return wrap(s.Turnover), true
	case FieldPE:
		return s.PE, true
	case FieldPB:
		return s.PB, true
	case FieldPS:
		return s.PS, true
	case FieldROE:
		return s.ROE, true
	case FieldTotalMV:
		return s.TotalMV, true
	default:
		return nil, false
	}
}

// IndexOf 返回交易日下标；该日停牌/无数据时返回 false。
func (s *SymbolSeries) IndexOf(d Date) (int, bool) {
	i := sort.Search(len(s.Dates), func(i int) bool { return s.Dates[i] >= d })
	if i < len(s.Dates) && s.Dates[i] == d {
		return i, true
	}
	return 0, false
}

// LastIndexBefore 返回严格早于 d 的最后一个交易日下标。
func (s *SymbolSeries) LastIndexBefore(d Date) (int, bool) {
	i := sort.Search(len(s.Dates), func(i int) bool { return s.Dates[i] >= d })
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// PriorClose 返回下标 i 前一交易日的收盘价；首根无前收。
func (s *SymbolSeries) PriorClose(i int) Value {
	if i <= 0 || i > len(s.Close) {
		return None()
	}
	return Some(s.Close[i-1])
}

// CloseAt 返回指定日期的收盘价；停牌日返回 None。
func (s *SymbolSeries) CloseAt(d Date) Value {
	if i, ok := s.IndexOf(d); ok {
		return Some(s.Close[i])
	}
	return None()
}

// Panel 为一组标的在同一回测区间内的只读数据面板。
// 构建完成后在所有策略 worker 之间共享，不再修改。
type Panel struct {
	Symbols  []string // 保持传入的 universe 顺序，作为排序打平的稳定依据
	Calendar []Date   // 全体标的交易日的并集，升序
	series   map[string]*SymbolSeries
}

// NewPanel 组装面板并生成统一交易日历。
func NewPanel(symbols []string, series map[string]*SymbolSeries) (*Panel, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("面板标的列表为空")
	}
	dateSet := map[Date]struct{}{}
	for _, sym := range symbols {
		sv, ok := series[sym]
		if !ok || sv == nil {
			return nil, fmt.Errorf("标的 %s 缺少行情序列", sym)
		}
		for i := 1; i < len(sv.Dates); i++ {
			if sv.Dates[i] <= sv.Dates[i-1] {
				return nil, fmt.Errorf("标的 %s 行情日期乱序: %s", sym, sv.Dates[i])
			}
		}
		for _, d := range sv.Dates {
			dateSet[d] = struct{}{}
		}
	}
	cal := make([]Date, 0, len(dateSet))
	for d := range dateSet {
		cal = append(cal, d)
	}
	sort.Slice(cal, func(i, j int) bool { return cal[i] < cal[j] })
	return &Panel{
		Symbols:  append([]string(nil), symbols...),
		Calendar: cal,
		series:   series,
	}, nil
}

// Series 按标的取序列；不存在时返回 nil。
func (p *Panel) Series(symbol string) *SymbolSeries {
	return p.series[symbol]
}

// TradingDates 返回 [start, end] 内的统一交易日。
func (p *Panel) TradingDates(start, end Date) []Date {
	var out []Date
	for _, d := range p.Calendar {
		if d < start || d > end {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Source 为外部数据加载方约定的拉取接口，核心不关心数据从哪来。
type Source interface {
	GetPanel(ctx context.Context, symbols []string, start, end Date) (*Panel, error)
}
