package factor

import (
	"math"

	"github.com/markcheno/go-talib"

	"quantback/internal/market"
)

// 序列变换核心。所有核函数输出与输入等长对齐，
// 窗口未满或窗口内含缺数的位置输出 None。
// 输入全有效时走 talib 向量化实现，含缺数时退回逐窗计算。

// unwrap 把序列拆为浮点切片，返回是否全有效。
func unwrap(in []market.Value) ([]float64, bool) {
	out := make([]float64, len(in))
	all := true
	for i, v := range in {
		if !v.Valid {
			all = false
			out[i] = math.NaN()
			continue
		}
		out[i] = v.Num
	}
	return out, all
}

// rewrap 把 talib 输出包回 Value 序列，前 skip 根标记为 None。
func rewrap(xs []float64, skip int) []market.Value {
	out := make([]market.Value, len(xs))
	for i, x := range xs {
		if i < skip {
			out[i] = market.None()
			continue
		}
		out[i] = market.Some(x)
	}
	return out
}

// rollingApply 逐窗计算的兜底路径，窗口内任一缺数则输出 None。
func rollingApply(in []market.Value, window int, fn func(win []float64) (float64, bool)) []market.Value {
	out := make([]market.Value, len(in))
	buf := make([]float64, window)
	for i := range in {
		if i < window-1 {
			out[i] = market.None()
			continue
		}
		ok := true
		for j := 0; j < window; j++ {
			v := in[i-window+1+j]
			if !v.Valid {
				ok = false
				break
			}
			buf[j] = v.Num
		}
		if !ok {
			out[i] = market.None()
			continue
		}
		if x, valid := fn(buf); valid {
			out[i] = market.Some(x)
		} else {
			out[i] = market.None()
		}
	}
	return out
}

func mapSeries(in []market.Value, fn func(x float64) (float64, bool)) []market.Value {
	out := make([]market.Value, len(in))
	for i, v := range in {
		if !v.Valid {
			out[i] = market.None()
			continue
		}
		if x, ok := fn(v.Num); ok {
			out[i] = market.Some(x)
		} else {
			out[i] = market.None()
		}
	}
	return out
}

func zipSeries(a, b []market.Value, fn func(x, y float64) float64) []market.Value {
	out := make([]market.Value, len(a))
	for i := range a {
		if !a[i].Valid || i >= len(b) || !b[i].Valid {
			out[i] = market.None()
			continue
		}
		out[i] = market.Some(fn(a[i].Num, b[i].Num))
	}
	return out
}

func kernelSMA(in []market.Value, window int) []market.Value {
	if window == 1 {
		return mapSeries(in, func(x float64) (float64, bool) { return x, true })
	}
	if xs, all := unwrap(in); all && len(xs) >= window {
		return rewrap(talib.Sma(xs, window), window-1)
	}
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		sum := 0.0
		for _, x := range win {
			sum += x
		}
		return sum / float64(len(win)), true
	})
}

func kernelROC(in []market.Value, period int) []market.Value {
	if xs, all := unwrap(in); all && len(xs) > period {
		return rewrap(talib.Rocp(xs, period), period)
	}
	out := make([]market.Value, len(in))
	for i := range in {
		if i < period || !in[i].Valid || !in[i-period].Valid || in[i-period].Num == 0 {
			out[i] = market.None()
			continue
		}
		out[i] = market.Some((in[i].Num - in[i-period].Num) / in[i-period].Num)
	}
	return out
}

func kernelStdDev(in []market.Value, window int) []market.Value {
	if xs, all := unwrap(in); all && len(xs) >= window {
		return rewrap(talib.StdDev(xs, window, 1.0), window-1)
	}
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		return popStd(win), true
	})
}

func kernelSlope(in []market.Value, window int) []market.Value {
	if xs, all := unwrap(in); all && len(xs) >= window {
		return rewrap(talib.LinearRegSlope(xs, window), window-1)
	}
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		b, _, ok := olsIndex(win)
		return b, ok
	})
}

func kernelZScore(in []market.Value, window int) []market.Value {
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		mean := 0.0
		for _, x := range win {
			mean += x
		}
		mean /= float64(len(win))
		std := popStd(win)
		if std == 0 {
			return 0, false
		}
		return (win[len(win)-1] - mean) / std, true
	})
}

func kernelRef(in []market.Value, period int) []market.Value {
	out := make([]market.Value, len(in))
	for i := range in {
		if i < period {
			out[i] = market.None()
			continue
		}
		out[i] = in[i-period]
	}
	return out
}

func kernelExtreme(in []market.Value, window int, high bool) []market.Value {
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		best := win[0]
		for _, x := range win[1:] {
			if high && x > best || !high && x < best {
				best = x
			}
		}
		return best, true
	})
}

// kernelBBands 返回布林带上下轨。
func kernelBBands(in []market.Value, window int, nbDev float64) (up, down []market.Value) {
	if xs, all := unwrap(in); all && len(xs) >= window {
		u, _, d := talib.BBands(xs, window, nbDev, nbDev, talib.SMA)
		return rewrap(u, window-1), rewrap(d, window-1)
	}
	up = rollingApply(in, window, func(win []float64) (float64, bool) {
		m, s := meanStd(win)
		return m + nbDev*s, true
	})
	down = rollingApply(in, window, func(win []float64) (float64, bool) {
		m, s := meanStd(win)
		return m - nbDev*s, true
	})
	return up, down
}

// kernelTrendScore 对窗口内对数价格做线性回归，
// 得分为年化收益率乘以拟合优度，斜率越稳越高分。
func kernelTrendScore(in []market.Value, window int) []market.Value {
	return rollingApply(in, window, func(win []float64) (float64, bool) {
		logs := make([]float64, len(win))
		for i, x := range win {
			if x <= 0 {
				return 0, false
			}
			logs[i] = math.Log(x)
		}
		b, r2, ok := olsIndex(logs)
		if !ok {
			return 0, false
		}
		annualized := math.Exp(b*250) - 1
		return annualized * r2, true
	})
}

// kernelRSRS 对窗口内最高价对最低价做线性回归，输出斜率。
func kernelRSRS(high, low []market.Value, window int) []market.Value {
	n := len(high)
	out := make([]market.Value, n)
	xs := make([]float64, window)
	ys := make([]float64, window)
	for i := 0; i < n; i++ {
		if i < window-1 {
			out[i] = market.None()
			continue
		}
		ok := true
		for j := 0; j < window; j++ {
			h, l := high[i-window+1+j], low[i-window+1+j]
			if !h.Valid || !l.Valid {
				ok = false
				break
			}
			ys[j] = h.Num
			xs[j] = l.Num
		}
		if !ok {
			out[i] = market.None()
			continue
		}
		b, _, valid := olsXY(xs, ys)
		if !valid {
			out[i] = market.None()
			continue
		}
		out[i] = market.Some(b)
	}
	return out
}

// kernelValueScore 合成估值得分，PE 与 PB 得分取均值，
// 只有一项可用时用单项，两项都缺则缺数。
func kernelValueScore(pe, pb []market.Value) []market.Value {
	out := make([]market.Value, len(pe))
	for i := range pe {
		var sum float64
		var cnt int
		if pe[i].Valid {
			s, _ := ratioScore(pe[i].Num)
			sum += s
			cnt++
		}
		if i < len(pb) && pb[i].Valid {
			s, _ := ratioScore(pb[i].Num)
			sum += s
			cnt++
		}
		if cnt == 0 {
			out[i] = market.None()
			continue
		}
		out[i] = market.Some(sum / float64(cnt))
	}
	return out
}

func meanStd(win []float64) (mean, std float64) {
	for _, x := range win {
		mean += x
	}
	mean /= float64(len(win))
	var ss float64
	for _, x := range win {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(win)))
}

func popStd(win []float64) float64 {
	_, s := meanStd(win)
	return s
}

// olsIndex 以下标 0..n-1 为自变量做最小二乘，返回斜率与 R²。
func olsIndex(ys []float64) (slope, r2 float64, ok bool) {
	xs := make([]float64, len(ys))
	for i := range xs {
		xs[i] = float64(i)
	}
	return olsXY(xs, ys)
}

func olsXY(xs, ys []float64) (slope, r2 float64, ok bool) {
	n := float64(len(xs))
	if len(xs) < 2 || len(xs) != len(ys) {
		return 0, 0, false
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/n, sumY/n
	var sxx, sxy, syy float64
	for i := range xs {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		sxx += dx * dx
		sxy += dx * dy
		syy += dy * dy
	}
	if sxx == 0 {
		return 0, 0, false
	}
	slope = sxy / sxx
	if syy == 0 {
		// 因变量恒定，完美水平拟合
		return slope, 1, true
	}
	r2 = (sxy * sxy) / (sxx * syy)
	return slope, r2, true
}
