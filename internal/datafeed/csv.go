// Package datafeed 提供历史数据的加载与存取：CSV 导入、sqlite 行情库，
// 对核心只暴露 market.Source 拉取接口。
package datafeed

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"quantback/internal/market"
	"quantback/internal/pkg/symbol"
)

// Row 为一行日线记录，基本面列可缺。
type Row struct {
	Symbol       string
	Date         market.Date
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       float64
	TurnoverRate float64

	PE      market.Value
	PB      market.Value
	PS      market.Value
	ROE     market.Value
	TotalMV market.Value
}

// MetaRow 为标的元信息。Extra 收集未识别的附加列，原样入库。
type MetaRow struct {
	Symbol   string            `json:"symbol"`
	Name     string            `json:"name,omitempty"`
	ST       bool              `json:"st"`
	ListDate market.Date       `json:"list_date,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// 必填列。基本面列（pe/pb/ps/roe/total_mv）可选，空单元格视为缺数。
var requiredColumns = []string{"symbol", "date", "open", "high", "low", "close", "volume"}

// ParseBarsCSV 解析日线 CSV。首行必须是表头，列顺序不限。
func ParseBarsCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("CSV 缺少必填列 %s", name)
		}
	}

	get := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	parseFloat := func(rec []string, name string, line int) (float64, error) {
		raw := get(rec, name)
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("第 %d 行 %s 列数值无效: %q", line, name, raw)
		}
		return v, nil
	}
	parseOptional := func(rec []string, name string) market.Value {
		raw := get(rec, name)
		if raw == "" || strings.EqualFold(raw, "nan") || strings.EqualFold(raw, "null") {
			return market.None()
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return market.None()
		}
		return market.Some(v)
	}

	var rows []Row
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, err)
		}
		d, err := market.ParseDate(get(rec, "date"))
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		sym, err := symbol.Normalize(get(rec, "symbol"))
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		row := Row{
			Symbol:  sym,
			Date:    d,
			PE:      parseOptional(rec, "pe"),
			PB:      parseOptional(rec, "pb"),
			PS:      parseOptional(rec, "ps"),
			ROE:     parseOptional(rec, "roe"),
			TotalMV: parseOptional(rec, "total_mv"),
		}
		if row.Open, err = parseFloat(rec, "open", line); err != nil {
			return nil, err
		}
		if row.High, err = parseFloat(rec, "high", line); err != nil {
			return nil, err
		}
		if row.Low, err = parseFloat(rec, "low", line); err != nil {
			return nil, err
		}
		if row.Close, err = parseFloat(rec, "close", line); err != nil {
			return nil, err
		}
		if row.Volume, err = parseFloat(rec, "volume", line); err != nil {
			return nil, err
		}
		if raw := get(rec, "turnover_rate"); raw != "" {
			if row.TurnoverRate, err = parseFloat(rec, "turnover_rate", line); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// 元信息 CSV 的已识别列，其余列进 MetaRow.Extra。
var metaColumns = map[string]bool{
	"symbol": true, "name": true, "st": true, "list_date": true,
}

// ParseMetaCSV 解析标的元信息 CSV：symbol,name,st,list_date，
// 未识别的列按字符串原样保留。
func ParseMetaCSV(r io.Reader) ([]MetaRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["symbol"]; !ok {
		return nil, fmt.Errorf("CSV 缺少 symbol 列")
	}
	type extraCol struct {
		name string
		idx  int
	}
	var extras []extraCol
	for name, i := range col {
		if !metaColumns[name] {
			extras = append(extras, extraCol{name: name, idx: i})
		}
	}
	var rows []MetaRow
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 行解析失败: %w", line, err)
		}
		sym, err := symbol.Normalize(rec[col["symbol"]])
		if err != nil {
			return nil, fmt.Errorf("第 %d 行: %w", line, err)
		}
		row := MetaRow{Symbol: sym}
		if i, ok := col["name"]; ok && i < len(rec) {
			row.Name = strings.TrimSpace(rec[i])
		}
		if i, ok := col["st"]; ok && i < len(rec) {
			v := strings.ToLower(strings.TrimSpace(rec[i]))
			row.ST = v == "1" || v == "true" || v == "yes"
		}
		if i, ok := col["list_date"]; ok && i < len(rec) && strings.TrimSpace(rec[i]) != "" {
			d, err := market.ParseDate(rec[i])
			if err != nil {
				return nil, fmt.Errorf("第 %d 行: %w", line, err)
			}
			row.ListDate = d
		}
		for _, ec := range extras {
			if ec.idx >= len(rec) {
				continue
			}
			v := strings.TrimSpace(rec[ec.idx])
			if v == "" {
				continue
			}
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[ec.name] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LoadBarsFile 读取单个日线 CSV 文件。
func LoadBarsFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := ParseBarsCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// BuildPanel 把行数据组装为只读面板。
// symbols 给定标的池顺序；区间外与池外的行被忽略。
func BuildPanel(rows []Row, metas []MetaRow, symbols []string, start, end market.Date) (*market.Panel, error) {
	metaBySym := make(map[string]MetaRow, len(metas))
	for _, m := range metas {
		metaBySym[m.Symbol] = m
	}
	bySym := make(map[string][]Row)
	inUniverse := make(map[string]bool, len(symbols))
	for _, sym := range symbols {
		inUniverse[sym] = true
	}
	for _, row := range rows {
		if !inUniverse[row.Symbol] || row.Date < start || row.Date > end {
			continue
		}
		bySym[row.Symbol] = append(bySym[row.Symbol], row)
	}

	series := make(map[string]*market.SymbolSeries, len(symbols))
	for _, sym := range symbols {
		rs := bySym[sym]
		if len(rs) == 0 {
			return nil, fmt.Errorf("标的 %s 在区间 [%s, %s] 内无行情", sym, start, end)
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].Date < rs[j].Date })
		meta := metaBySym[sym]
		s := &market.SymbolSeries{
			Symbol: sym,
			Meta: market.SymbolMeta{
				Symbol:   sym,
				Name:     meta.Name,
				Board:    market.ClassifyBoard(sym, meta.ST),
				ListDate: meta.ListDate,
			},
			Dates:    make([]market.Date, len(rs)),
			Open:     make([]float64, len(rs)),
			High:     make([]float64, len(rs)),
			Low:      make([]float64, len(rs)),
			Close:    make([]float64, len(rs)),
			Volume:   make([]float64, len(rs)),
			Turnover: make([]float64, len(rs)),
			PE:       make([]market.Value, len(rs)),
			PB:       make([]market.Value, len(rs)),
			PS:       make([]market.Value, len(rs)),
			ROE:      make([]market.Value, len(rs)),
			TotalMV:  make([]market.Value, len(rs)),
		}
		for i, row := range rs {
			s.Dates[i] = row.Date
			s.Open[i] = row.Open
			s.High[i] = row.High
			s.Low[i] = row.Low
			s.Close[i] = row.Close
			s.Volume[i] = row.Volume
			s.Turnover[i] = row.TurnoverRate
			s.PE[i] = row.PE
			s.PB[i] = row.PB
			s.PS[i] = row.PS
			s.ROE[i] = row.ROE
			s.TotalMV[i] = row.TotalMV
		}
		series[sym] = s
	}
	return market.NewPanel(symbols, series)
}
