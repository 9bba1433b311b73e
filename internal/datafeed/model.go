package datafeed

import (
	"gorm.io/datatypes"
)

// BarModel 为日线行情表，(symbol, trade_date) 唯一。
type BarModel struct {
	ID       int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol   string  `gorm:"column:symbol;size:16;uniqueIndex:idx_bars_symbol_date;index"`
	Date     string  `gorm:"column:trade_date;size:10;uniqueIndex:idx_bars_symbol_date"`
	Open     float64 `gorm:"column:open"`
	High     float64 `gorm:"column:high"`
	Low      float64 `gorm:"column:low"`
	Close    float64 `gorm:"column:close"`
	Volume   float64 `gorm:"column:volume"`
	Turnover float64 `gorm:"column:turnover_rate"`
}

func (BarModel) TableName() string { return "daily_bars" }

// FundamentalModel 为基本面快照表，字段允许为空（下载源只覆盖部分指标）。
type FundamentalModel struct {
	ID      int64    `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol  string   `gorm:"column:symbol;size:16;uniqueIndex:idx_fund_symbol_date;index"`
	Date    string   `gorm:"column:trade_date;size:10;uniqueIndex:idx_fund_symbol_date"`
	PE      *float64 `gorm:"column:pe"`
	PB      *float64 `gorm:"column:pb"`
	PS      *float64 `gorm:"column:ps"`
	ROE     *float64 `gorm:"column:roe"`
	TotalMV *float64 `gorm:"column:total_mv"`
}

func (FundamentalModel) TableName() string { return "fundamentals" }

// SymbolModel 为标的元信息表。ExtraJSON 存元信息 CSV 里未识别的列，
// 随 ListMeta 原样带回。
type SymbolModel struct {
	Symbol    string         `gorm:"column:symbol;size:16;primaryKey"`
	Name      string         `gorm:"column:name;size:64"`
	ST        bool           `gorm:"column:st"`
	ListDate  string         `gorm:"column:list_date;size:10"`
	ExtraJSON datatypes.JSON `gorm:"column:extra_json;type:TEXT"`
}

func (SymbolModel) TableName() string { return "symbols" }
