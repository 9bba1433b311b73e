package factor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"quantback/internal/market"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokIdent
	tokLParen
	tokRParen
	tokComma
	tokOp // + - * / > < >= <= == !=
)

type token struct {
	typ  tokenType
	text string
	pos  int // 起始列，从 1 计
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c >= '0' && c <= '9' || c == '.':
			if err := l.lexNumber(); err != nil {
				return nil, err
			}
		case unicode.IsLetter(rune(c)) || c == '_':
			l.lexIdent()
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '+' || c == '-' || c == '*' || c == '/':
			l.emit(tokOp, string(c))
		case c == '>' || c == '<':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
				l.emitN(tokOp, l.src[l.pos:l.pos+2], 2)
			} else {
				l.emit(tokOp, string(c))
			}
		case c == '=' || c == '!':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
				l.emitN(tokOp, l.src[l.pos:l.pos+2], 2)
			} else {
				return nil, fmt.Errorf("表达式第 %d 列: 非法字符 %q", l.pos+1, c)
			}
		default:
			return nil, fmt.Errorf("表达式第 %d 列: 非法字符 %q", l.pos+1, c)
		}
	}
	l.toks = append(l.toks, token{typ: tokEOF, pos: l.pos + 1})
	return l.toks, nil
}

func (l *lexer) emit(t tokenType, text string) { l.emitN(t, text, 1) }

func (l *lexer) emitN(t tokenType, text string, n int) {
	l.toks = append(l.toks, token{typ: t, text: text, pos: l.pos + 1})
	l.pos += n
}

func (l *lexer) lexNumber() error {
	start := l.pos
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' {
			if seenDot {
				return fmt.Errorf("表达式第 %d 列: 数字格式错误", start+1)
			}
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	text := l.src[start:l.pos]
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return fmt.Errorf("表达式第 %d 列: 数字格式错误 %q", start+1, text)
	}
	l.toks = append(l.toks, token{typ: tokNumber, text: text, pos: start + 1})
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	l.toks = append(l.toks, token{typ: tokIdent, text: l.src[start:l.pos], pos: start + 1})
}

type parser struct {
	toks []token
	i    int
	reg  *Registry
}

// Compile 用默认注册表编译表达式。
func Compile(src string) (*Compiled, error) {
	return DefaultRegistry().Compile(src)
}

// Compile 把表达式文本编译为类型化 AST，并完成算数/布尔类型检查、
// 函数参数校验与回看窗口计算。
func (r *Registry) Compile(src string) (*Compiled, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("表达式为空")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, reg: r}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.cur(); tok.typ != tokEOF {
		return nil, fmt.Errorf("表达式第 %d 列: 多余内容 %q", tok.pos, tok.text)
	}
	return &Compiled{Source: src, Root: root}, nil
}

func (p *parser) cur() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	p.i++
	return t
}

// 是否为关键字标识符（大小写不敏感）。
func (p *parser) atKeyword(kw string) bool {
	t := p.cur()
	return t.typ == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("or") {
		pos := p.next().pos
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if left.Kind() != KindBool || right.Kind() != KindBool {
			return nil, typeErr(pos, "or 两侧必须是布尔表达式")
		}
		left = &BinaryNode{Op: OpOr, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("and") {
		pos := p.next().pos
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if left.Kind() != KindBool || right.Kind() != KindBool {
			return nil, typeErr(pos, "and 两侧必须是布尔表达式")
		}
		left = &BinaryNode{Op: OpAnd, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.atKeyword("not") {
		pos := p.next().pos
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if x.Kind() != KindBool {
			return nil, typeErr(pos, "not 只能作用于布尔表达式")
		}
		return &UnaryNode{Op: OpNot, X: x}, nil
	}
	return p.parseCompare()
}

var cmpOps = map[string]Op{
	">": OpGT, "<": OpLT, ">=": OpGE, "<=": OpLE, "==": OpEQ, "!=": OpNE,
}

func (p *parser) parseCompare() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	t := p.cur()
	if t.typ != tokOp {
		return left, nil
	}
	op, ok := cmpOps[t.text]
	if !ok {
		return left, nil
	}
	p.next()
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	if left.Kind() != KindNumber || right.Kind() != KindNumber {
		return nil, typeErr(t.pos, "%s 两侧必须是数值表达式", t.text)
	}
	return &BinaryNode{Op: op, L: left, R: right}, nil
}

func (p *parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.typ != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		if left.Kind() != KindNumber || right.Kind() != KindNumber {
			return nil, typeErr(t.pos, "%s 两侧必须是数值表达式", t.text)
		}
		op := OpAdd
		if t.text == "-" {
			op = OpSub
		}
		left = &BinaryNode{Op: op, L: left, R: right}
	}
}

func (p *parser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.typ != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if left.Kind() != KindNumber || right.Kind() != KindNumber {
			return nil, typeErr(t.pos, "%s 两侧必须是数值表达式", t.text)
		}
		op := OpMul
		if t.text == "/" {
			op = OpDiv
		}
		left = &BinaryNode{Op: op, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Node, error) {
	t := p.cur()
	if t.typ == tokOp && t.text == "-" {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if x.Kind() != KindNumber {
			return nil, typeErr(t.pos, "取负只能作用于数值表达式")
		}
		// 负数字面量折叠，保证常量参数能携带负号
		if num, ok := x.(*NumberNode); ok {
			return &NumberNode{Value: -num.Value}, nil
		}
		return &UnaryNode{Op: OpNeg, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.cur()
	switch t.typ {
	case tokNumber:
		p.next()
		v, _ := strconv.ParseFloat(t.text, 64)
		return &NumberNode{Value: v}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if tok := p.cur(); tok.typ != tokRParen {
			return nil, fmt.Errorf("表达式第 %d 列: 缺少右括号", tok.pos)
		}
		p.next()
		return inner, nil
	case tokIdent:
		return p.parseIdent()
	default:
		return nil, fmt.Errorf("表达式第 %d 列: 意外的 %q", t.pos, t.text)
	}
}

func (p *parser) parseIdent() (Node, error) {
	t := p.next()
	name := strings.ToLower(t.text)

	// 后跟左括号则为函数调用
	if p.cur().typ == tokLParen {
		fn, ok := p.reg.Lookup(name)
		if !ok {
			return nil, typeErr(t.pos, "未知函数 %s", t.text)
		}
		p.next()
		var args []Node
		if p.cur().typ != tokRParen {
			for {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.cur().typ != tokComma {
					break
				}
				p.next()
			}
		}
		if tok := p.cur(); tok.typ != tokRParen {
			return nil, fmt.Errorf("表达式第 %d 列: 缺少右括号", tok.pos)
		}
		p.next()
		return p.bindCall(t, fn, args)
	}

	if _, ok := market.ValidField(name); !ok {
		return nil, typeErr(t.pos, "未知字段 %s", t.text)
	}
	return &FieldNode{Name: name}, nil
}

// bindCall 按函数参数表拆分序列参数与常量参数并校验。
func (p *parser) bindCall(t token, fn *FuncSpec, args []Node) (Node, error) {
	if len(args) != len(fn.Params) {
		return nil, typeErr(t.pos, "%s 需要 %d 个参数，传入 %d 个", fn.Name, len(fn.Params), len(args))
	}
	call := &CallNode{Fn: fn}
	for i, arg := range args {
		switch fn.Params[i] {
		case ParamConst:
			num, ok := arg.(*NumberNode)
			if !ok {
				return nil, typeErr(t.pos, "%s 第 %d 个参数必须是数值常量", fn.Name, i+1)
			}
			call.Consts = append(call.Consts, num.Value)
		default:
			if arg.Kind() != KindNumber {
				return nil, typeErr(t.pos, "%s 第 %d 个参数必须是数值表达式", fn.Name, i+1)
			}
			call.SeriesArgs = append(call.SeriesArgs, arg)
		}
	}
	if fn.Validate != nil {
		if err := fn.Validate(call.Consts); err != nil {
			return nil, typeErr(t.pos, "%s: %v", fn.Name, err)
		}
	}
	lb := 0
	if fn.Lookback != nil {
		lb = fn.Lookback(call.Consts)
	}
	// 嵌套调用时窗口串联，取序列参数中最深的回看叠加
	maxArg := 0
	for _, arg := range call.SeriesArgs {
		if al := arg.Lookback(); al > maxArg {
			maxArg = al
		}
	}
	call.lookback = lb + maxArg
	return call, nil
}

// windowConst 取整数窗口常量，非整数或越界在 Validate 阶段已拦截。
func windowConst(v float64) int { return int(math.Round(v)) }
