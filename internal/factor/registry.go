package factor

import (
	"fmt"
	"math"

	"quantback/internal/market"
)

// ParamKind 标识函数参数是序列还是编译期常量。
type ParamKind int

const (
	ParamSeries ParamKind = iota
	ParamConst
)

// FuncSpec 为注册表内一个函数的完整声明。
type FuncSpec struct {
	Name   string
	Params []ParamKind
	// CrossSectional 的函数在标的池截面上求值，Apply 为空，
	// 由求值器特殊处理。
	CrossSectional bool
	// Lookback 按常量参数给出所需的额外回看根数。
	Lookback func(consts []float64) int
	// Validate 校验常量参数，编译期调用。
	Validate func(consts []float64) error
	// Apply 对序列参数做逐根变换，输出与输入等长对齐。
	Apply func(series [][]market.Value, consts []float64) []market.Value
}

// Registry 为封闭的函数注册表。不提供运行期注册入口，
// 函数集合的演进走代码评审。
type Registry struct {
	funcs map[string]*FuncSpec
}

// Lookup 按小写名称查函数。
func (r *Registry) Lookup(name string) (*FuncSpec, bool) {
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names 返回全部函数名，仅用于报错提示与文档。
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		out = append(out, name)
	}
	return out
}

func windowValidator(minWindow int) func([]float64) error {
	return func(consts []float64) error {
		w := consts[len(consts)-1]
		if w != math.Trunc(w) || int(w) < minWindow {
			return fmt.Errorf("窗口必须是不小于 %d 的整数", minWindow)
		}
		return nil
	}
}

var defaultRegistry = buildRegistry()

// DefaultRegistry 返回内置注册表。
func DefaultRegistry() *Registry { return defaultRegistry }

func buildRegistry() *Registry {
	specs := []*FuncSpec{
		{
			Name:     "ma",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(1),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelSMA(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "roc",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) },
			Validate: windowValidator(1),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelROC(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "slope",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(2),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelSlope(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "std",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(2),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelStdDev(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "zscore",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(2),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelZScore(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "ref",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) },
			Validate: windowValidator(1),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelRef(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "highest",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(1),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelExtreme(s[0], windowConst(c[0]), true)
			},
		},
		{
			Name:     "lowest",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(1),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelExtreme(s[0], windowConst(c[0]), false)
			},
		},
		{
			Name:     "trend_score",
			Params:   []ParamKind{ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(3),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelTrendScore(s[0], windowConst(c[0]))
			},
		},
		{
			Name:     "rsrs",
			Params:   []ParamKind{ParamSeries, ParamSeries, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: windowValidator(3),
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelRSRS(s[0], s[1], windowConst(c[0]))
			},
		},
		{
			Name:   "rsrs_zscore",
			Params: []ParamKind{ParamSeries, ParamSeries, ParamConst, ParamConst},
			Lookback: func(c []float64) int {
				return windowConst(c[0]) + windowConst(c[1]) - 2
			},
			Validate: func(c []float64) error {
				if err := windowValidator(3)(c[:1]); err != nil {
					return err
				}
				return windowValidator(2)(c[1:])
			},
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				return kernelZScore(kernelRSRS(s[0], s[1], windowConst(c[0])), windowConst(c[1]))
			},
		},
		{
			Name:     "bbands_up",
			Params:   []ParamKind{ParamSeries, ParamConst, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: bbandsValidator,
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				up, _ := kernelBBands(s[0], windowConst(c[0]), c[1])
				return up
			},
		},
		{
			Name:     "bbands_down",
			Params:   []ParamKind{ParamSeries, ParamConst, ParamConst},
			Lookback: func(c []float64) int { return windowConst(c[0]) - 1 },
			Validate: bbandsValidator,
			Apply: func(s [][]market.Value, c []float64) []market.Value {
				_, down := kernelBBands(s[0], windowConst(c[0]), c[1])
				return down
			},
		},
		{
			Name:   "log",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], func(x float64) (float64, bool) {
					if x <= 0 {
						return 0, false
					}
					return math.Log(x), true
				})
			},
		},
		{
			Name:   "abs",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], func(x float64) (float64, bool) { return math.Abs(x), true })
			},
		},
		{
			Name:   "sqrt",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], func(x float64) (float64, bool) {
					if x < 0 {
						return 0, false
					}
					return math.Sqrt(x), true
				})
			},
		},
		{
			Name:   "sign",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], func(x float64) (float64, bool) {
					switch {
					case x > 0:
						return 1, true
					case x < 0:
						return -1, true
					default:
						return 0, true
					}
				})
			},
		},
		{
			Name:   "max",
			Params: []ParamKind{ParamSeries, ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return zipSeries(s[0], s[1], math.Max)
			},
		},
		{
			Name:   "min",
			Params: []ParamKind{ParamSeries, ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return zipSeries(s[0], s[1], math.Min)
			},
		},
		{
			Name:   "pe_score",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], ratioScore)
			},
		},
		{
			Name:   "pb_score",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], ratioScore)
			},
		},
		{
			Name:   "ps_score",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], ratioScore)
			},
		},
		{
			Name:   "value_score",
			Params: []ParamKind{ParamSeries, ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return kernelValueScore(s[0], s[1])
			},
		},
		{
			Name:   "quality_score",
			Params: []ParamKind{ParamSeries},
			Apply: func(s [][]market.Value, _ []float64) []market.Value {
				return mapSeries(s[0], func(roe float64) (float64, bool) {
					return roe / 100, true
				})
			},
		},
		{
			Name:           "normalize_score",
			Params:         []ParamKind{ParamSeries},
			CrossSectional: true,
		},
		{
			Name:           "winsorize",
			Params:         []ParamKind{ParamSeries, ParamConst},
			CrossSectional: true,
			Validate: func(c []float64) error {
				if c[0] <= 0 || c[0] >= 0.5 {
					return fmt.Errorf("分位参数必须在 (0, 0.5) 区间")
				}
				return nil
			},
		},
	}

	funcs := make(map[string]*FuncSpec, len(specs))
	for _, spec := range specs {
		funcs[spec.Name] = spec
	}
	return &Registry{funcs: funcs}
}

func bbandsValidator(c []float64) error {
	if err := windowValidator(2)(c[:1]); err != nil {
		return err
	}
	if c[1] <= 0 {
		return fmt.Errorf("标准差倍数必须为正")
	}
	return nil
}

// ratioScore 把估值比率转换为越低越好的得分。
// 亏损导致的非正比率给零分，排到队尾而不是剔除。
func ratioScore(x float64) (float64, bool) {
	if x <= 0 {
		return 0, true
	}
	return 1 / (x + 1e-6), true
}
