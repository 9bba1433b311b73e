package market

// Bar 为单只标的单个交易日的行情，入库后不可变。
type Bar struct {
	Symbol   string  `json:"symbol"`
	Date     Date    `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
	Turnover float64 `json:"turnover_rate"` // 换手率（%）
}

// Fundamental 为某日的基本面快照，每个 (symbol, date) 至多一条。
// 字段允许缺失：下载源只覆盖部分指标。
type Fundamental struct {
	Symbol  string `json:"symbol"`
	Date    Date   `json:"date"`
	PE      Value  `json:"pe"`
	PB      Value  `json:"pb"`
	PS      Value  `json:"ps"`
	ROE     Value  `json:"roe"`
	TotalMV Value  `json:"total_mv"` // 总市值（亿）
}

// Board 为标的板块分类，决定涨跌停限制。
type Board int

const (
	BoardRegular Board = iota // 主板 ±10%
	BoardST                   // ST ±5%
	BoardGrowth               // 科创板/创业板 ±20%
	BoardNEEQ                 // 北交所 ±30%
)

func (b Board) String() string {
	switch b {
	case BoardRegular:
		return "regular"
	case BoardST:
		return "st"
	case BoardGrowth:
		return "growth"
	case BoardNEEQ:
		return "neeq"
	default:
		return "unknown"
	}
}

// SymbolMeta 描述标的的板块与上市日期。Board 仅通过显式的
// Reclassify（如 ST 标记变更）修改。
type SymbolMeta struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Board    Board  `json:"board"`
	ListDate Date   `json:"list_date"`
}

// ClassifyBoard 按 A 股代码规则推断板块：688xxx.SH 科创、30xxxx.SZ 创业、
// .BJ 北交所，其余主板。ST 状态来自外部名单，不由代码决定。
func ClassifyBoard(symbol string, st bool) Board {
	if st {
		return BoardST
	}
	switch {
	case len(symbol) > 3 && symbol[:3] == "688" && hasSuffix(symbol, ".SH"):
		return BoardGrowth
	case len(symbol) > 2 && symbol[:2] == "30" && hasSuffix(symbol, ".SZ"):
		return BoardGrowth
	case hasSuffix(symbol, ".BJ"):
		return BoardNEEQ
	default:
		return BoardRegular
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
