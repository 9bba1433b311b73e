package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/constraint"
)

func TestCalculate(t *testing.T) {
	schedule := Schedule{
		Name:          "test",
		BrokerageRate: decimal.NewFromFloat(0.0002),
		MinBrokerage:  decimal.NewFromInt(5),
		StampTaxRate:  decimal.NewFromFloat(0.0005),
		TransferRate:  decimal.NewFromFloat(0.00001),
	}
	price := decimal.NewFromFloat(10.00)

	t.Run("买入费用", func(t *testing.T) {
		// 1000 股 @ 10.00：佣金 2.00 触发最低 5.00，无印花税，过户费 0.10
		b := Calculate(constraint.Buy, 1000, price, schedule)
		assert.True(t, b.Brokerage.Equal(decimal.NewFromInt(5)), b.Brokerage.String())
		assert.True(t, b.StampTax.IsZero())
		assert.True(t, b.Transfer.Equal(decimal.NewFromFloat(0.10)), b.Transfer.String())
		assert.True(t, b.Total.Equal(decimal.NewFromFloat(5.10)), b.Total.String())
	})

	t.Run("卖出费用含印花税", func(t *testing.T) {
		b := Calculate(constraint.Sell, 1000, price, schedule)
		assert.True(t, b.StampTax.Equal(decimal.NewFromInt(5)), b.StampTax.String())
		assert.True(t, b.Total.Equal(decimal.NewFromFloat(10.10)), b.Total.String())
	})

	t.Run("大单不触发最低佣金", func(t *testing.T) {
		b := Calculate(constraint.Buy, 100000, price, schedule)
		// 100 万成交额，佣金 200
		assert.True(t, b.Brokerage.Equal(decimal.NewFromInt(200)), b.Brokerage.String())
	})

	t.Run("费用随数量单调不减", func(t *testing.T) {
		prev := decimal.Zero
		for _, qty := range []int64{100, 500, 1000, 5000, 100000} {
			b := Calculate(constraint.Sell, qty, price, schedule)
			assert.True(t, b.Total.GreaterThanOrEqual(prev))
			assert.True(t, b.Brokerage.GreaterThanOrEqual(schedule.MinBrokerage))
			prev = b.Total
		}
	})

	t.Run("零费率表", func(t *testing.T) {
		b := Calculate(constraint.Sell, 1000, price, ScheduleZero)
		assert.True(t, b.Total.IsZero())
	})

	t.Run("固定费用表", func(t *testing.T) {
		b := Calculate(constraint.Sell, 1000, price, FixedSchedule(1.5))
		assert.True(t, b.Total.Equal(decimal.NewFromFloat(1.5)))
	})
}

func TestBuiltinSchedule(t *testing.T) {
	s, err := BuiltinSchedule("v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", s.Name)

	s, err = BuiltinSchedule("")
	require.NoError(t, err)
	assert.Equal(t, "v2", s.Name)

	_, err = BuiltinSchedule("v99")
	assert.Error(t, err)
}

func TestParseSchedules(t *testing.T) {
	doc := []byte(`
schedules:
  - name: legacy
    brokerage_rate: 0.00025
    min_brokerage: 5
    stamp_tax_rate: 0.001
    transfer_rate: 0.00001
  - name: flat
    fixed: 2.5
`)
	t.Run("正常解析", func(t *testing.T) {
		m, err := ParseSchedules(doc)
		require.NoError(t, err)
		require.Len(t, m, 2)
		assert.True(t, m["legacy"].StampTaxRate.Equal(decimal.NewFromFloat(0.001)))
		assert.True(t, m["flat"].Fixed.Equal(decimal.NewFromFloat(2.5)))
	})

	t.Run("缺名称报错", func(t *testing.T) {
		_, err := ParseSchedules([]byte("schedules:\n  - brokerage_rate: 0.0002\n"))
		assert.Error(t, err)
	})

	t.Run("负费率报错", func(t *testing.T) {
		_, err := ParseSchedules([]byte("schedules:\n  - name: bad\n    stamp_tax_rate: -0.1\n"))
		assert.Error(t, err)
	})

	t.Run("重名报错", func(t *testing.T) {
		_, err := ParseSchedules([]byte("schedules:\n  - name: a\n  - name: a\n"))
		assert.Error(t, err)
	})
}
