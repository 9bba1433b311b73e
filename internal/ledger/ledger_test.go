package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/market"
)

func newLedger(t *testing.T, cash int64) *Ledger {
	l, err := New(decimal.NewFromInt(cash))
	require.NoError(t, err)
	return l
}

func TestLedgerBuySell(t *testing.T) {
	d := market.MustDate("20240102")
	l := newLedger(t, 100000)

	t.Run("买入扣现金建仓", func(t *testing.T) {
		err := l.ApplyBuy("600000.SH", 1000, decimal.NewFromFloat(10.00), decimal.NewFromFloat(5.10), d)
		require.NoError(t, err)
		assert.True(t, l.Cash().Equal(decimal.NewFromFloat(89994.90)), l.Cash().String())

		p := l.Position("600000.SH")
		require.NotNil(t, p)
		assert.Equal(t, int64(1000), p.Quantity)
		assert.Equal(t, d, p.FirstBuyDate)
		// 含费摊薄成本 10004.10/1000
		assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(10.0051)), p.AvgCost.String())
	})

	t.Run("加仓摊薄成本保留首买日", func(t *testing.T) {
		d2 := market.MustDate("20240103")
		err := l.ApplyBuy("600000.SH", 1000, decimal.NewFromFloat(12.00), decimal.Zero, d2)
		require.NoError(t, err)
		p := l.Position("600000.SH")
		assert.Equal(t, int64(2000), p.Quantity)
		assert.Equal(t, d, p.FirstBuyDate)
		assert.True(t, p.AvgCost.Equal(decimal.NewFromFloat(11.00205)), p.AvgCost.String())
	})

	t.Run("部分卖出", func(t *testing.T) {
		before := l.Cash()
		err := l.ApplySell("600000.SH", 500, decimal.NewFromFloat(13.00), decimal.NewFromFloat(6.60))
		require.NoError(t, err)
		assert.Equal(t, int64(1500), l.Position("600000.SH").Quantity)
		assert.True(t, l.Cash().Equal(before.Add(decimal.NewFromFloat(6493.40))), l.Cash().String())
	})

	t.Run("清仓后移除持仓", func(t *testing.T) {
		err := l.ApplySell("600000.SH", 1500, decimal.NewFromFloat(13.00), decimal.Zero)
		require.NoError(t, err)
		assert.Nil(t, l.Position("600000.SH"))
		assert.Zero(t, l.HoldingCount())
	})
}

func TestLedgerInvariants(t *testing.T) {
	d := market.MustDate("20240102")

	t.Run("现金不足买入报损坏", func(t *testing.T) {
		l := newLedger(t, 1000)
		err := l.ApplyBuy("600000.SH", 1000, decimal.NewFromFloat(10.00), decimal.Zero, d)
		assert.ErrorIs(t, err, ErrCorruption)
	})

	t.Run("超卖报损坏", func(t *testing.T) {
		l := newLedger(t, 100000)
		require.NoError(t, l.ApplyBuy("600000.SH", 100, decimal.NewFromFloat(10.00), decimal.Zero, d))
		err := l.ApplySell("600000.SH", 200, decimal.NewFromFloat(10.00), decimal.Zero)
		assert.ErrorIs(t, err, ErrCorruption)
	})

	t.Run("卖出未持有标的报损坏", func(t *testing.T) {
		l := newLedger(t, 100000)
		err := l.ApplySell("000001.SZ", 100, decimal.NewFromFloat(10.00), decimal.Zero)
		assert.ErrorIs(t, err, ErrCorruption)
	})

	t.Run("初始资金必须为正", func(t *testing.T) {
		_, err := New(decimal.Zero)
		assert.Error(t, err)
	})
}

func TestLedgerEquity(t *testing.T) {
	d := market.MustDate("20240102")
	l := newLedger(t, 100000)
	require.NoError(t, l.ApplyBuy("600000.SH", 1000, decimal.NewFromFloat(10.00), decimal.Zero, d))
	require.NoError(t, l.ApplyBuy("000001.SZ", 500, decimal.NewFromFloat(20.00), decimal.Zero, d))

	t.Run("按市价计算权益", func(t *testing.T) {
		marks := map[string]decimal.Decimal{
			"600000.SH": decimal.NewFromFloat(11.00),
			"000001.SZ": decimal.NewFromFloat(19.00),
		}
		// 现金 80000 + 11000 + 9500
		assert.True(t, l.Equity(marks).Equal(decimal.NewFromInt(100500)), l.Equity(marks).String())
	})

	t.Run("缺价按成本兜底", func(t *testing.T) {
		marks := map[string]decimal.Decimal{"600000.SH": decimal.NewFromFloat(11.00)}
		assert.True(t, l.Equity(marks).Equal(decimal.NewFromInt(101000)))
	})
}
