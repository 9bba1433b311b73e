package factor

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantback/internal/market"
)

// makeSeries 构造连续交易日的测试序列，基本面字段全缺数。
func makeSeries(symbol string, closes []float64) *market.SymbolSeries {
	n := len(closes)
	s := &market.SymbolSeries{
		Symbol:   symbol,
		Dates:    make([]market.Date, n),
		Open:     make([]float64, n),
		High:     make([]float64, n),
		Low:      make([]float64, n),
		Close:    closes,
		Volume:   make([]float64, n),
		Turnover: make([]float64, n),
		PE:       make([]market.Value, n),
		PB:       make([]market.Value, n),
		PS:       make([]market.Value, n),
		ROE:      make([]market.Value, n),
		TotalMV:  make([]market.Value, n),
	}
	base := market.MustDate("20240101")
	for i := 0; i < n; i++ {
		s.Dates[i] = market.Date(int(base) + i) // 测试用，连续编号即可
		s.Open[i] = closes[i]
		s.High[i] = closes[i] * 1.02
		s.Low[i] = closes[i] * 0.98
		s.Volume[i] = 1000
		s.Turnover[i] = 1.5
		s.PE[i] = market.None()
		s.PB[i] = market.None()
		s.PS[i] = market.None()
		s.ROE[i] = market.None()
		s.TotalMV[i] = market.None()
	}
	return s
}

func TestCompile(t *testing.T) {
	t.Run("数值表达式", func(t *testing.T) {
		c, err := Compile("ma(close, 5) * 0.2 + roc(close, 10)")
		require.NoError(t, err)
		assert.Equal(t, KindNumber, c.Kind())
		assert.Equal(t, 10, c.Lookback())
	})

	t.Run("布尔条件", func(t *testing.T) {
		c, err := Compile("roc(close,20) > 0.03 and pe > 0")
		require.NoError(t, err)
		assert.Equal(t, KindBool, c.Kind())
		assert.Equal(t, 20, c.Lookback())
	})

	t.Run("函数名大小写不敏感", func(t *testing.T) {
		c, err := Compile("LOG(turnover_rate + 1)")
		require.NoError(t, err)
		assert.Equal(t, 0, c.Lookback())
	})

	t.Run("嵌套调用回看叠加", func(t *testing.T) {
		c, err := Compile("ma(roc(close, 10), 5)")
		require.NoError(t, err)
		assert.Equal(t, 14, c.Lookback())
	})

	t.Run("截面函数标记", func(t *testing.T) {
		c, err := Compile("normalize_score(trend_score(close, 25))")
		require.NoError(t, err)
		assert.True(t, c.HasCrossSection())
	})

	errCases := map[string]string{
		"未知函数":    "foo(close, 5)",
		"未知字段":    "ma(closing, 5)",
		"参数个数":    "ma(close)",
		"窗口必须是常量": "ma(close, volume)",
		"窗口非法":    "ma(close, 0)",
		"类型错误":    "ma(close, 5) and pe > 0",
		"比较布尔":    "(pe > 0) > 1",
		"多余内容":    "close > 1 close",
		"空表达式":    "   ",
		"缩尾分位越界":  "winsorize(pe, 0.9)",
	}
	for name, src := range errCases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(src)
			assert.Error(t, err, src)
		})
	}
}

func TestEvalSeries(t *testing.T) {
	e := NewEvaluator(nil)
	s := makeSeries("600000.SH", []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19})

	t.Run("ma", func(t *testing.T) {
		c, err := Compile("ma(close, 3)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		assert.False(t, vec[1].Valid)
		assert.InDelta(t, 11.0, vec[2].Num, 1e-9)
		assert.InDelta(t, 18.0, vec[9].Num, 1e-9)
	})

	t.Run("roc", func(t *testing.T) {
		c, err := Compile("roc(close, 5)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		assert.False(t, vec[4].Valid)
		assert.InDelta(t, 0.5, vec[5].Num, 1e-9) // 15/10 - 1
	})

	t.Run("ref", func(t *testing.T) {
		c, err := Compile("ref(close, 2)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		assert.InDelta(t, 10, vec[2].Num, 1e-9)
	})

	t.Run("highest", func(t *testing.T) {
		c, err := Compile("highest(close, 4)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		assert.InDelta(t, 13, vec[3].Num, 1e-9)
	})

	t.Run("算数组合", func(t *testing.T) {
		c, err := Compile("(close - ma(close, 3)) / ma(close, 3)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		assert.InDelta(t, (12.0-11.0)/11.0, vec[2].Num, 1e-9)
	})

	t.Run("布尔条件", func(t *testing.T) {
		c, err := Compile("roc(close, 5) > 0.4 and close > 12")
		require.NoError(t, err)
		ok, err := e.BoolAt(c, s, 5)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("趋势分上升序列为正", func(t *testing.T) {
		c, err := Compile("trend_score(close, 10)")
		require.NoError(t, err)
		vec, err := e.EvalSeries(c, s)
		require.NoError(t, err)
		require.True(t, vec[9].Valid)
		assert.Greater(t, vec[9].Num, 0.0)
	})

	t.Run("回看不足报错", func(t *testing.T) {
		c, err := Compile("ma(close, 5)")
		require.NoError(t, err)
		_, err = e.ValueAt(c, s, 3)
		assert.ErrorIs(t, err, ErrInsufficientHistory)
	})
}

func TestMissingDataPropagation(t *testing.T) {
	e := NewEvaluator(nil)
	s := makeSeries("600000.SH", []float64{10, 11, 12, 13, 14})

	t.Run("缺数比较为假", func(t *testing.T) {
		c, err := Compile("pe > 0")
		require.NoError(t, err)
		ok, err := e.BoolAt(c, s, 4)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("假短路缺数", func(t *testing.T) {
		c, err := Compile("close < 0 and pe > 0")
		require.NoError(t, err)
		v, err := e.ValueAt(c, s, 4)
		require.NoError(t, err)
		require.True(t, v.Valid)
		assert.False(t, v.Bool())
	})

	t.Run("真短路缺数", func(t *testing.T) {
		c, err := Compile("close > 0 or pe > 0")
		require.NoError(t, err)
		v, err := e.ValueAt(c, s, 4)
		require.NoError(t, err)
		assert.True(t, v.Bool())
	})

	t.Run("缺数经 not 仍为缺数", func(t *testing.T) {
		c, err := Compile("not (pe > 0)")
		require.NoError(t, err)
		v, err := e.ValueAt(c, s, 4)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.False(t, v.Bool())
	})

	t.Run("算数传播缺数", func(t *testing.T) {
		c, err := Compile("pe_score(pe) + 1")
		require.NoError(t, err)
		v, err := e.ValueAt(c, s, 4)
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})

	t.Run("除零为缺数", func(t *testing.T) {
		c, err := Compile("close / (close - close)")
		require.NoError(t, err)
		v, err := e.ValueAt(c, s, 4)
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})
}

func TestCrossSection(t *testing.T) {
	e := NewEvaluator(nil)
	series := map[string]*market.SymbolSeries{
		"A": makeSeries("A", []float64{10, 10, 10, 10, 20}),
		"B": makeSeries("B", []float64{10, 10, 10, 10, 15}),
		"C": makeSeries("C", []float64{10, 10, 10, 10, 10}),
	}
	panel, err := market.NewPanel([]string{"A", "B", "C"}, series)
	require.NoError(t, err)
	d := series["A"].Dates[4]

	t.Run("归一化", func(t *testing.T) {
		c, err := Compile("normalize_score(roc(close, 4))")
		require.NoError(t, err)
		got, err := e.CrossSection(c, panel, d)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got["A"].Num, 1e-9)
		assert.InDelta(t, 0.5, got["B"].Num, 1e-9)
		assert.InDelta(t, 0.0, got["C"].Num, 1e-9)
	})

	t.Run("归一化与普通项混排", func(t *testing.T) {
		c, err := Compile("normalize_score(roc(close, 4)) * 0.5 + sign(close) * 0.5")
		require.NoError(t, err)
		got, err := e.CrossSection(c, panel, d)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got["A"].Num, 1e-9)
		assert.InDelta(t, 0.5, got["C"].Num, 1e-9)
	})

	t.Run("缩尾压缩极值", func(t *testing.T) {
		c, err := Compile("winsorize(roc(close, 4), 0.25)")
		require.NoError(t, err)
		got, err := e.CrossSection(c, panel, d)
		require.NoError(t, err)
		require.True(t, got["A"].Valid)
		assert.Less(t, got["A"].Num, 1.0)
	})
}

func TestCache(t *testing.T) {
	t.Run("同指纹只算一次", func(t *testing.T) {
		cache := NewCache()
		var calls atomic.Int32
		compute := func() ([]market.Value, error) {
			calls.Add(1)
			return []market.Value{market.Some(1)}, nil
		}
		key := Fingerprint("ma(close,5)", "600000.SH", market.MustDate("20240101"), market.MustDate("20241231"))

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				vec, err := cache.GetOrCompute(key, compute)
				assert.NoError(t, err)
				assert.Len(t, vec, 1)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("指纹区分标的与区间", func(t *testing.T) {
		a := Fingerprint("ma(close,5)", "600000.SH", 20240101, 20241231)
		b := Fingerprint("ma(close,5)", "000001.SZ", 20240101, 20241231)
		c := Fingerprint("ma(close,5)", "600000.SH", 20240101, 20240630)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("求值器走缓存", func(t *testing.T) {
		cache := NewCache()
		e := NewEvaluator(cache)
		s := makeSeries("600000.SH", []float64{10, 11, 12, 13, 14, 15})
		c, err := Compile("ma(close, 3)")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := e.EvalSeries(c, s)
			require.NoError(t, err)
		}
		assert.Equal(t, 1, cache.Len())
	})

	t.Run("截面排序路径走缓存", func(t *testing.T) {
		cache := NewCache()
		e := NewEvaluator(cache)
		series := map[string]*market.SymbolSeries{
			"A": makeSeries("A", []float64{10, 11, 12, 13, 14, 15, 16, 17}),
			"B": makeSeries("B", []float64{20, 19, 18, 17, 16, 15, 14, 13}),
		}
		panel, err := market.NewPanel([]string{"A", "B"}, series)
		require.NoError(t, err)
		c, err := Compile("trend_score(close, 5)")
		require.NoError(t, err)

		for _, d := range series["A"].Dates[4:] {
			got, err := e.CrossSection(c, panel, d)
			require.NoError(t, err)
			require.True(t, got["A"].Valid)
		}
		// 每只标的一条整段序列条目，逐日复用而不是重算
		assert.Equal(t, 2, cache.Len())

		// 条件路径对同一子树命中同一条目
		_, err = e.EvalSeries(c, series["A"])
		require.NoError(t, err)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("截面函数的内层序列也缓存", func(t *testing.T) {
		cache := NewCache()
		e := NewEvaluator(cache)
		series := map[string]*market.SymbolSeries{
			"A": makeSeries("A", []float64{10, 11, 12, 13, 14, 15}),
			"B": makeSeries("B", []float64{20, 19, 18, 17, 16, 15}),
		}
		panel, err := market.NewPanel([]string{"A", "B"}, series)
		require.NoError(t, err)
		c, err := Compile("normalize_score(roc(close, 4))")
		require.NoError(t, err)

		for _, d := range series["A"].Dates[4:] {
			_, err := e.CrossSection(c, panel, d)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("等价表达式共享条目", func(t *testing.T) {
		cache := NewCache()
		e := NewEvaluator(cache)
		s := makeSeries("600000.SH", []float64{10, 11, 12, 13, 14, 15})
		c1, err := Compile("ma(close, 3)")
		require.NoError(t, err)
		c2, err := Compile("ma( close,3 )")
		require.NoError(t, err)
		_, err = e.EvalSeries(c1, s)
		require.NoError(t, err)
		_, err = e.EvalSeries(c2, s)
		require.NoError(t, err)
		assert.Equal(t, 1, cache.Len())
	})
}

func TestKernelFallbackMatchesFast(t *testing.T) {
	// 含缺数序列走兜底路径，数值应与快速路径在有效段一致
	closes := []float64{10, 11, 12, 13, 14, 15, 16, 17}
	full := makeSeries("A", closes)
	e := NewEvaluator(nil)

	c, err := Compile("std(close, 4)")
	require.NoError(t, err)
	fast, err := e.EvalSeries(c, full)
	require.NoError(t, err)

	manual := rollingApply(wrapFloats(closes), 4, func(win []float64) (float64, bool) {
		return popStd(win), true
	})
	for i := range fast {
		if !fast[i].Valid {
			assert.False(t, manual[i].Valid, fmt.Sprintf("i=%d", i))
			continue
		}
		assert.InDelta(t, fast[i].Num, manual[i].Num, 1e-9, fmt.Sprintf("i=%d", i))
	}
}

func wrapFloats(xs []float64) []market.Value {
	out := make([]market.Value, len(xs))
	for i, x := range xs {
		out[i] = market.Some(x)
	}
	return out
}

func TestOLS(t *testing.T) {
	t.Run("完美线性", func(t *testing.T) {
		slope, r2, ok := olsIndex([]float64{1, 3, 5, 7, 9})
		require.True(t, ok)
		assert.InDelta(t, 2.0, slope, 1e-9)
		assert.InDelta(t, 1.0, r2, 1e-9)
	})

	t.Run("水平序列", func(t *testing.T) {
		slope, r2, ok := olsIndex([]float64{5, 5, 5, 5})
		require.True(t, ok)
		assert.Zero(t, slope)
		assert.InDelta(t, 1.0, r2, 1e-9)
	})

	t.Run("噪声压低拟合优度", func(t *testing.T) {
		_, r2, ok := olsIndex([]float64{1, 9, 2, 8, 3, 7})
		require.True(t, ok)
		assert.Less(t, r2, 0.5)
	})
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1.0, quantile(sorted, 0), 1e-9)
	assert.InDelta(t, 3.0, quantile(sorted, 0.5), 1e-9)
	assert.InDelta(t, 5.0, quantile(sorted, 1), 1e-9)
	assert.False(t, math.IsNaN(quantile(sorted, 0.33)))
}
