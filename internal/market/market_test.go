package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDate(t *testing.T) {
	d1, err := ParseDate("2024-01-31")
	require.NoError(t, err)
	d2, err := ParseDate("20240131")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, "2024-01-31", d1.String())
	assert.Equal(t, "20240131", d1.Compact())

	for _, bad := range []string{"", "2024-1-31", "20241331", "abc"} {
		_, err := ParseDate(bad)
		assert.Error(t, err, bad)
	}
}

func TestDateKeys(t *testing.T) {
	// 2024-01-01 是周一，ISO 2024 第 1 周
	y, w := MustDate("2024-01-01").ISOWeek()
	assert.Equal(t, 2024, y)
	assert.Equal(t, 1, w)
	// 2023-12-31 是周日，仍属 ISO 2023 第 52 周
	y, w = MustDate("2023-12-31").ISOWeek()
	assert.Equal(t, 2023, y)
	assert.Equal(t, 52, w)

	assert.Equal(t, 202401, MustDate("2024-01-15").MonthKey())
	assert.NotEqual(t, MustDate("2024-01-31").MonthKey(), MustDate("2024-02-01").MonthKey())
}

func TestClassifyBoard(t *testing.T) {
	assert.Equal(t, BoardRegular, ClassifyBoard("600000.SH", false))
	assert.Equal(t, BoardST, ClassifyBoard("600000.SH", true))
	assert.Equal(t, BoardGrowth, ClassifyBoard("688001.SH", false))
	assert.Equal(t, BoardGrowth, ClassifyBoard("300750.SZ", false))
	assert.Equal(t, BoardNEEQ, ClassifyBoard("830799.BJ", false))
	// ST 标记优先于板块代码
	assert.Equal(t, BoardST, ClassifyBoard("300750.SZ", true))
}

func testSeries(symbol string, dates []Date, closes []float64) *SymbolSeries {
	n := len(dates)
	s := &SymbolSeries{
		Symbol:   symbol,
		Meta:     SymbolMeta{Symbol: symbol},
		Dates:    dates,
		Open:     make([]float64, n),
		High:     make([]float64, n),
		Low:      make([]float64, n),
		Close:    closes,
		Volume:   make([]float64, n),
		Turnover: make([]float64, n),
		PE:       make([]Value, n),
		PB:       make([]Value, n),
		PS:       make([]Value, n),
		ROE:      make([]Value, n),
		TotalMV:  make([]Value, n),
	}
	return s
}

func TestPanel(t *testing.T) {
	a := testSeries("A", []Date{MustDate("20240102"), MustDate("20240103"), MustDate("20240105")}, []float64{10, 10.5, 10.2})
	b := testSeries("B", []Date{MustDate("20240102"), MustDate("20240104")}, []float64{20, 20.4})
	p, err := NewPanel([]string{"A", "B"}, map[string]*SymbolSeries{"A": a, "B": b})
	require.NoError(t, err)

	t.Run("日历为交易日并集", func(t *testing.T) {
		assert.Equal(t, []Date{
			MustDate("20240102"), MustDate("20240103"),
			MustDate("20240104"), MustDate("20240105"),
		}, p.Calendar)
	})

	t.Run("停牌日定位", func(t *testing.T) {
		_, ok := b.IndexOf(MustDate("20240103"))
		assert.False(t, ok)
		i, ok := b.LastIndexBefore(MustDate("20240104"))
		require.True(t, ok)
		assert.Equal(t, 0, i)
		assert.False(t, b.CloseAt(MustDate("20240103")).Valid)
		assert.Equal(t, 20.4, b.CloseAt(MustDate("20240104")).Num)
	})

	t.Run("前收", func(t *testing.T) {
		assert.False(t, a.PriorClose(0).Valid)
		assert.Equal(t, 10.0, a.PriorClose(1).Num)
	})

	t.Run("区间交易日", func(t *testing.T) {
		got := p.TradingDates(MustDate("20240103"), MustDate("20240104"))
		assert.Equal(t, []Date{MustDate("20240103"), MustDate("20240104")}, got)
	})

	t.Run("缺序列报错", func(t *testing.T) {
		_, err := NewPanel([]string{"A", "C"}, map[string]*SymbolSeries{"A": a})
		require.Error(t, err)
	})

	t.Run("乱序日期报错", func(t *testing.T) {
		bad := testSeries("D", []Date{MustDate("20240103"), MustDate("20240102")}, []float64{1, 2})
		_, err := NewPanel([]string{"D"}, map[string]*SymbolSeries{"D": bad})
		require.Error(t, err)
	})
}
