// Package factor 实现因子表达式的解析与求值。
// 表达式先编译成类型化 AST，函数集合封闭在注册表内，
// 回看窗口在编译期算出，数据触达前即可校验。
package factor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInsufficientHistory 表示目标日期前的历史根数不足以覆盖回看窗口。
// 可恢复错误，只把该标的从当日评估中剔除。
var ErrInsufficientHistory = errors.New("历史数据不足")

// Kind 为表达式结果类型。
type Kind int

const (
	KindNumber Kind = iota
	KindBool
)

func (k Kind) String() string {
	if k == KindBool {
		return "bool"
	}
	return "number"
}

// Op 为二元/一元运算符。
type Op int

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpGT
	OpLT
	OpGE
	OpLE
	OpEQ
	OpNE
	OpAnd
	OpOr
	OpNot
	OpNeg
)

var opNames = map[Op]string{
	OpAdd: "+", OpSub: "-", OpMul: "*", OpDiv: "/",
	OpGT: ">", OpLT: "<", OpGE: ">=", OpLE: "<=",
	OpEQ: "==", OpNE: "!=",
	OpAnd: "and", OpOr: "or", OpNot: "not", OpNeg: "-",
}

func (o Op) String() string { return opNames[o] }

// Node 为表达式 AST 节点。
type Node interface {
	// Kind 返回节点结果类型。
	Kind() Kind
	// Lookback 返回求值所需的额外回看根数（不含当根）。
	Lookback() int
	// HasCrossSection 表示子树内是否有截面函数，截面节点需要整个标的池。
	HasCrossSection() bool
}

// NumberNode 数值字面量。
type NumberNode struct {
	Value float64
}

func (n *NumberNode) Kind() Kind            { return KindNumber }
func (n *NumberNode) Lookback() int         { return 0 }
func (n *NumberNode) HasCrossSection() bool { return false }

// FieldNode 数据字段引用，如 close、pe。
type FieldNode struct {
	Name string
}

func (n *FieldNode) Kind() Kind            { return KindNumber }
func (n *FieldNode) Lookback() int         { return 0 }
func (n *FieldNode) HasCrossSection() bool { return false }

// CallNode 注册表函数调用。Consts 为常量参数（窗口长度等），
// SeriesArgs 为序列参数，两者在编译期按参数表拆开。
type CallNode struct {
	Fn         *FuncSpec
	SeriesArgs []Node
	Consts     []float64

	lookback int
}

func (n *CallNode) Kind() Kind    { return KindNumber }
func (n *CallNode) Lookback() int { return n.lookback }
func (n *CallNode) HasCrossSection() bool {
	if n.Fn.CrossSectional {
		return true
	}
	for _, a := range n.SeriesArgs {
		if a.HasCrossSection() {
			return true
		}
	}
	return false
}

// BinaryNode 二元运算。
type BinaryNode struct {
	Op   Op
	L, R Node
}

func (n *BinaryNode) Kind() Kind {
	switch n.Op {
	case OpGT, OpLT, OpGE, OpLE, OpEQ, OpNE, OpAnd, OpOr:
		return KindBool
	default:
		return KindNumber
	}
}

func (n *BinaryNode) Lookback() int {
	l, r := n.L.Lookback(), n.R.Lookback()
	if l > r {
		return l
	}
	return r
}

func (n *BinaryNode) HasCrossSection() bool {
	return n.L.HasCrossSection() || n.R.HasCrossSection()
}

// UnaryNode 一元运算（not、取负）。
type UnaryNode struct {
	Op Op
	X  Node
}

func (n *UnaryNode) Kind() Kind {
	if n.Op == OpNot {
		return KindBool
	}
	return KindNumber
}

func (n *UnaryNode) Lookback() int         { return n.X.Lookback() }
func (n *UnaryNode) HasCrossSection() bool { return n.X.HasCrossSection() }

// Compiled 为一条编译完成的表达式。
type Compiled struct {
	// Source 为原始表达式文本，仅用于报错展示。
	// 缓存指纹用 formatNode 的规范化文本，空白差异不产生新键。
	Source string
	Root   Node
}

// Kind 返回表达式结果类型。
func (c *Compiled) Kind() Kind { return c.Root.Kind() }

// Lookback 返回整条表达式的回看需求。
func (c *Compiled) Lookback() int { return c.Root.Lookback() }

// HasCrossSection 表示表达式是否含截面函数。
func (c *Compiled) HasCrossSection() bool { return c.Root.HasCrossSection() }

// formatNode 把子树还原为规范文本，作为缓存指纹的表达式部分。
// 同一逻辑子树无论原始书写如何都得到同一个键，
// 不同策略引用的等价子表达式因此共享缓存条目。
func formatNode(n Node) string {
	var b strings.Builder
	writeNode(&b, n)
	return b.String()
}

func writeNode(b *strings.Builder, n Node) {
	switch node := n.(type) {
	case *NumberNode:
		b.WriteString(strconv.FormatFloat(node.Value, 'g', -1, 64))
	case *FieldNode:
		b.WriteString(node.Name)
	case *UnaryNode:
		b.WriteString(node.Op.String())
		b.WriteByte('(')
		writeNode(b, node.X)
		b.WriteByte(')')
	case *BinaryNode:
		b.WriteByte('(')
		writeNode(b, node.L)
		b.WriteByte(' ')
		b.WriteString(node.Op.String())
		b.WriteByte(' ')
		writeNode(b, node.R)
		b.WriteByte(')')
	case *CallNode:
		b.WriteString(node.Fn.Name)
		b.WriteByte('(')
		for i, a := range node.SeriesArgs {
			if i > 0 {
				b.WriteString(", ")
			}
			writeNode(b, a)
		}
		for i, c := range node.Consts {
			if i > 0 || len(node.SeriesArgs) > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.FormatFloat(c, 'g', -1, 64))
		}
		b.WriteByte(')')
	}
}

func typeErr(pos int, format string, args ...any) error {
	return fmt.Errorf("表达式第 %d 列: %s", pos, fmt.Sprintf(format, args...))
}
