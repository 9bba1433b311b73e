package factor

import (
	"fmt"
	"math"
	"sort"

	"quantback/internal/market"
)

// Evaluator 对编译后的表达式做向量化求值。
// 无内部可变状态，缓存句柄显式注入，可在并发回测间共享。
type Evaluator struct {
	cache *Cache
}

// NewEvaluator 创建求值器。cache 可为 nil 表示不缓存。
func NewEvaluator(cache *Cache) *Evaluator {
	return &Evaluator{cache: cache}
}

// EvalSeries 对单只标的求整段序列，输出与交易日对齐。
// 含截面函数的表达式必须走 CrossSection。
func (e *Evaluator) EvalSeries(c *Compiled, s *market.SymbolSeries) ([]market.Value, error) {
	if c.HasCrossSection() {
		return nil, fmt.Errorf("表达式含截面函数，不能按单标的求值")
	}
	return e.seriesCached(c.Root, s)
}

// seriesCached 对不含截面函数的子树求整段序列。
// 键为规范化子树文本加标的与日期区间，条件与排序两条路径、
// 以及共享同一缓存的并发策略都命中同一条目。
func (e *Evaluator) seriesCached(n Node, s *market.SymbolSeries) ([]market.Value, error) {
	if e.cache == nil || s.Len() == 0 {
		return evalNode(n, s)
	}
	key := Fingerprint(formatNode(n), s.Symbol, s.Dates[0], s.Dates[s.Len()-1])
	return e.cache.GetOrCompute(key, func() ([]market.Value, error) {
		return evalNode(n, s)
	})
}

// ValueAt 求某交易日下标处的值。回看不足返回 ErrInsufficientHistory。
func (e *Evaluator) ValueAt(c *Compiled, s *market.SymbolSeries, idx int) (market.Value, error) {
	if idx < 0 || idx >= s.Len() {
		return market.None(), fmt.Errorf("下标越界: %d", idx)
	}
	if idx < c.Lookback() {
		return market.None(), fmt.Errorf("%w: %s 需要回看 %d 根，仅有 %d 根",
			ErrInsufficientHistory, c.Source, c.Lookback(), idx)
	}
	vec, err := e.EvalSeries(c, s)
	if err != nil {
		return market.None(), err
	}
	return vec[idx], nil
}

// BoolAt 求布尔条件在某交易日的真值。缺数按 false 处理。
func (e *Evaluator) BoolAt(c *Compiled, s *market.SymbolSeries, idx int) (bool, error) {
	if c.Kind() != KindBool {
		return false, fmt.Errorf("表达式 %s 不是布尔条件", c.Source)
	}
	v, err := e.ValueAt(c, s, idx)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// CrossSection 在给定日期对整个标的池求值，支持截面函数。
// 某标的当日停牌或回看不足时其结果为缺数，由调用方剔除。
func (e *Evaluator) CrossSection(c *Compiled, p *market.Panel, d market.Date) (map[string]market.Value, error) {
	if c.Kind() != KindNumber {
		return nil, fmt.Errorf("截面求值只支持数值表达式: %s", c.Source)
	}
	return e.csEval(c, c.Root, p, d)
}

func (e *Evaluator) csEval(c *Compiled, n Node, p *market.Panel, d market.Date) (map[string]market.Value, error) {
	// 不含截面调用的子树整段走按标的求值，命中序列缓存。
	if !n.HasCrossSection() {
		return e.csPerSymbol(n, p, d)
	}
	switch node := n.(type) {
	case *UnaryNode:
		inner, err := e.csEval(c, node.X, p, d)
		if err != nil {
			return nil, err
		}
		out := make(map[string]market.Value, len(inner))
		for sym, v := range inner {
			out[sym] = applyUnary(node.Op, v)
		}
		return out, nil

	case *BinaryNode:
		left, err := e.csEval(c, node.L, p, d)
		if err != nil {
			return nil, err
		}
		right, err := e.csEval(c, node.R, p, d)
		if err != nil {
			return nil, err
		}
		out := make(map[string]market.Value, len(left))
		for sym := range left {
			out[sym] = applyBinary(node.Op, left[sym], right[sym])
		}
		return out, nil

	case *CallNode:
		if node.Fn.CrossSectional {
			inner, err := e.csEval(c, node.SeriesArgs[0], p, d)
			if err != nil {
				return nil, err
			}
			switch node.Fn.Name {
			case "normalize_score":
				return csNormalize(inner), nil
			case "winsorize":
				return csWinsorize(inner, node.Consts[0]), nil
			default:
				return nil, fmt.Errorf("未实现的截面函数 %s", node.Fn.Name)
			}
		}
		return e.csPerSymbol(n, p, d)

	default:
		return e.csPerSymbol(n, p, d)
	}
}

// csPerSymbol 对不含截面函数的子树按标的逐个求值。
func (e *Evaluator) csPerSymbol(n Node, p *market.Panel, d market.Date) (map[string]market.Value, error) {
	out := make(map[string]market.Value, len(p.Symbols))
	lookback := n.Lookback()
	for _, sym := range p.Symbols {
		s := p.Series(sym)
		if s == nil {
			out[sym] = market.None()
			continue
		}
		idx, trading := s.IndexOf(d)
		if !trading || idx < lookback {
			out[sym] = market.None()
			continue
		}
		vec, err := e.seriesCached(n, s)
		if err != nil {
			return nil, err
		}
		out[sym] = vec[idx]
	}
	return out, nil
}

// csNormalize 截面 min-max 归一化到 [0,1]，截面退化时给中性分。
func csNormalize(in map[string]market.Value) map[string]market.Value {
	lo, hi := math.Inf(1), math.Inf(-1)
	valid := 0
	for _, v := range in {
		if !v.Valid {
			continue
		}
		valid++
		if v.Num < lo {
			lo = v.Num
		}
		if v.Num > hi {
			hi = v.Num
		}
	}
	out := make(map[string]market.Value, len(in))
	for sym, v := range in {
		if !v.Valid {
			out[sym] = market.None()
			continue
		}
		if valid < 2 || hi == lo {
			out[sym] = market.Some(0.5)
			continue
		}
		out[sym] = market.Some((v.Num - lo) / (hi - lo))
	}
	return out
}

// csWinsorize 截面缩尾，把两端极值压到 p 与 1-p 分位。
func csWinsorize(in map[string]market.Value, p float64) map[string]market.Value {
	var vals []float64
	for _, v := range in {
		if v.Valid {
			vals = append(vals, v.Num)
		}
	}
	out := make(map[string]market.Value, len(in))
	if len(vals) < 3 {
		for sym, v := range in {
			out[sym] = v
		}
		return out
	}
	sort.Float64s(vals)
	lo := quantile(vals, p)
	hi := quantile(vals, 1-p)
	for sym, v := range in {
		if !v.Valid {
			out[sym] = market.None()
			continue
		}
		x := v.Num
		if x < lo {
			x = lo
		}
		if x > hi {
			x = hi
		}
		out[sym] = market.Some(x)
	}
	return out
}

// quantile 线性插值分位数，输入须已升序。
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(i)
	return sorted[i]*(1-frac) + sorted[i+1]*frac
}

// evalNode 单标的向量求值。
func evalNode(n Node, s *market.SymbolSeries) ([]market.Value, error) {
	switch node := n.(type) {
	case *NumberNode:
		out := make([]market.Value, s.Len())
		for i := range out {
			out[i] = market.Some(node.Value)
		}
		return out, nil

	case *FieldNode:
		vec, ok := s.Field(node.Name)
		if !ok {
			return nil, fmt.Errorf("未知字段 %s", node.Name)
		}
		return vec, nil

	case *UnaryNode:
		inner, err := evalNode(node.X, s)
		if err != nil {
			return nil, err
		}
		out := make([]market.Value, len(inner))
		for i, v := range inner {
			out[i] = applyUnary(node.Op, v)
		}
		return out, nil

	case *BinaryNode:
		left, err := evalNode(node.L, s)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(node.R, s)
		if err != nil {
			return nil, err
		}
		out := make([]market.Value, len(left))
		for i := range left {
			out[i] = applyBinary(node.Op, left[i], right[i])
		}
		return out, nil

	case *CallNode:
		if node.Fn.CrossSectional {
			return nil, fmt.Errorf("截面函数 %s 不能按单标的求值", node.Fn.Name)
		}
		series := make([][]market.Value, len(node.SeriesArgs))
		for i, arg := range node.SeriesArgs {
			vec, err := evalNode(arg, s)
			if err != nil {
				return nil, err
			}
			series[i] = vec
		}
		return node.Fn.Apply(series, node.Consts), nil

	default:
		return nil, fmt.Errorf("未知节点类型 %T", n)
	}
}

func applyUnary(op Op, v market.Value) market.Value {
	if !v.Valid {
		return market.None()
	}
	switch op {
	case OpNeg:
		return market.Some(-v.Num)
	case OpNot:
		if v.Num != 0 {
			return market.Some(0)
		}
		return market.Some(1)
	default:
		return market.None()
	}
}

// applyBinary 实现缺数传播：算数与比较遇缺数输出缺数；
// 布尔采用三值逻辑，false and 缺数 = false，true or 缺数 = true。
func applyBinary(op Op, a, b market.Value) market.Value {
	switch op {
	case OpAnd:
		if a.Valid && a.Num == 0 || b.Valid && b.Num == 0 {
			return market.Some(0)
		}
		if a.Valid && b.Valid {
			return market.Some(1)
		}
		return market.None()
	case OpOr:
		if a.Valid && a.Num != 0 || b.Valid && b.Num != 0 {
			return market.Some(1)
		}
		if a.Valid && b.Valid {
			return market.Some(0)
		}
		return market.None()
	}

	if !a.Valid || !b.Valid {
		return market.None()
	}
	x, y := a.Num, b.Num
	switch op {
	case OpAdd:
		return market.Some(x + y)
	case OpSub:
		return market.Some(x - y)
	case OpMul:
		return market.Some(x * y)
	case OpDiv:
		if y == 0 {
			return market.None()
		}
		return market.Some(x / y)
	case OpGT:
		return boolValue(x > y)
	case OpLT:
		return boolValue(x < y)
	case OpGE:
		return boolValue(x >= y)
	case OpLE:
		return boolValue(x <= y)
	case OpEQ:
		return boolValue(x == y)
	case OpNE:
		return boolValue(x != y)
	default:
		return market.None()
	}
}

func boolValue(b bool) market.Value {
	if b {
		return market.Some(1)
	}
	return market.Some(0)
}
