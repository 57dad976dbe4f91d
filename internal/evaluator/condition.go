package evaluator

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// VarSource 条件变量来源
// Lookup 返回 (nil, nil) 表示变量不存在（条件按 false 处理）；
// 返回错误（如 timeseries.ErrNoData）表示本轮无法评估，错误向上传播
type VarSource interface {
	Lookup(name string) (interface{}, error)
}

// Condition 条件表达式
// 语法：比较运算 < <= > >= == !=（支持链式比较）、逻辑 && ||、一元正负号、
// 数值/布尔字面量、变量（支持 ":" 路径进入 payload 嵌套字段、
// "<agg>_<秒数>_<指标>" 聚合变量）、关键字 time/day/period（与上次评估时间比较）
type Condition struct {
	raw  string
	root node
}

// ParseCondition 解析条件字符串（统一转小写，与定义编辑端约定一致）
func ParseCondition(raw string) (*Condition, error) {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return nil, fmt.Errorf("empty condition")
	}

	tokens, err := tokenize(lowered)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize condition %q: %w", raw, err)
	}

	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("failed to parse condition %q: %w", raw, err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("unexpected token %q in condition %q", p.peek().text, raw)
	}

	return &Condition{raw: lowered, root: root}, nil
}

// Evaluate 对变量来源评估条件
// lastEval 为该 (定义, 设备) 的上次评估时间，now 为服务端到达时间（权威排序键）
func (c *Condition) Evaluate(src VarSource, lastEval, now time.Time) (bool, error) {
	value, err := c.root.eval(src, lastEval, now)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// String 返回规范化后的条件字符串
func (c *Condition) String() string {
	return c.raw
}

// ---------- 词法分析 ----------

type tokenType int

const (
	tokNumber tokenType = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	typ  tokenType
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case ch == '&' || ch == '|':
			if i+1 >= len(input) || input[i+1] != ch {
				return nil, fmt.Errorf("invalid operator at position %d", i)
			}
			tokens = append(tokens, token{tokOp, input[i : i+2]})
			i += 2
		case ch == '<' || ch == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokOp, input[i : i+2]})
				i += 2
			} else {
				tokens = append(tokens, token{tokOp, string(ch)})
				i++
			}
		case ch == '=' || ch == '!':
			if i+1 >= len(input) || input[i+1] != '=' {
				return nil, fmt.Errorf("invalid operator at position %d", i)
			}
			tokens = append(tokens, token{tokOp, input[i : i+2]})
			i += 2
		case ch == '+' || ch == '-':
			tokens = append(tokens, token{tokOp, string(ch)})
			i++
		case ch >= '0' && ch <= '9':
			j := i
			for j < len(input) && (input[j] >= '0' && input[j] <= '9' || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, input[i:j]})
			i = j
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(input) && isIdentChar(input[j]) {
				j++
			}
			tokens = append(tokens, token{tokIdent, input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return tokens, nil
}

// 变量名允许字母、数字、下划线和 ":" 路径分隔符
func isIdentChar(ch byte) bool {
	return ch == '_' || ch == ':' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= '0' && ch <= '9')
}

// ---------- 语法分析 ----------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool {
	return p.pos >= len(p.tokens)
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) matchOp(ops ...string) (string, bool) {
	if p.atEnd() || p.peek().typ != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.peek().text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

// parseOr: and ("||" and)*
func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", left: left, right: right}
	}
}

// parseAnd: comparison ("&&" comparison)*
func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.matchOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", left: left, right: right}
	}
}

var comparisonOps = []string{"<=", ">=", "==", "!=", "<", ">"}

// parseComparison: term (cmpOp term)*（链式比较按相邻成对判断）
func (p *parser) parseComparison() (node, error) {
	// 关键字比较（time/day/period）的右操作数按原始 token 文本解释
	if !p.atEnd() && p.peek().typ == tokIdent && isKeyword(p.peek().text) {
		return p.parseKeywordComparison()
	}

	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	cmp := &comparisonNode{operands: []node{left}}
	for {
		op, ok := p.matchOp(comparisonOps...)
		if !ok {
			break
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.operands = append(cmp.operands, right)
	}

	if len(cmp.ops) == 0 {
		return left, nil
	}
	return cmp, nil
}

func (p *parser) parseKeywordComparison() (node, error) {
	keyword := p.next().text
	op, ok := p.matchOp(comparisonOps...)
	if !ok {
		return nil, fmt.Errorf("keyword %q must be followed by a comparison operator", keyword)
	}
	if p.atEnd() {
		return nil, fmt.Errorf("keyword %q comparison missing right operand", keyword)
	}
	rhs := p.next()
	if rhs.typ != tokNumber && rhs.typ != tokIdent {
		return nil, fmt.Errorf("invalid operand %q for keyword %q", rhs.text, keyword)
	}
	return &keywordNode{keyword: keyword, op: op, operand: rhs.text}, nil
}

// parseTerm: ("+" | "-")? atom
func (p *parser) parseTerm() (node, error) {
	if op, ok := p.matchOp("+", "-"); ok {
		operand, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &signNode{negative: op == "-", operand: operand}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (node, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	t := p.next()
	switch t.typ {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t.text, err)
		}
		return &numberNode{value: f}, nil
	case tokIdent:
		if t.text == "true" || t.text == "false" {
			return &boolNode{value: t.text == "true"}, nil
		}
		return &varNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.atEnd() || p.peek().typ != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func isKeyword(name string) bool {
	return name == "time" || name == "day" || name == "period"
}

// ---------- 求值 ----------

type node interface {
	eval(src VarSource, lastEval, now time.Time) (interface{}, error)
}

type numberNode struct{ value float64 }

func (n *numberNode) eval(VarSource, time.Time, time.Time) (interface{}, error) {
	return n.value, nil
}

type boolNode struct{ value bool }

func (n *boolNode) eval(VarSource, time.Time, time.Time) (interface{}, error) {
	return n.value, nil
}

type varNode struct{ name string }

func (n *varNode) eval(src VarSource, _, _ time.Time) (interface{}, error) {
	return src.Lookup(n.name)
}

type signNode struct {
	negative bool
	operand  node
}

func (n *signNode) eval(src VarSource, lastEval, now time.Time) (interface{}, error) {
	value, err := n.operand.eval(src, lastEval, now)
	if err != nil {
		return nil, err
	}
	f, ok := toFloat(value)
	if !ok {
		// 非数值取负按不可比较处理（条件为 false），与缺失变量行为一致
		return nil, nil
	}
	if n.negative {
		return -f, nil
	}
	return f, nil
}

type comparisonNode struct {
	operands []node
	ops      []string
}

func (n *comparisonNode) eval(src VarSource, lastEval, now time.Time) (interface{}, error) {
	left, err := n.operands[0].eval(src, lastEval, now)
	if err != nil {
		return nil, err
	}

	for i, op := range n.ops {
		right, err := n.operands[i+1].eval(src, lastEval, now)
		if err != nil {
			return nil, err
		}
		ok := compare(left, right, op)
		if !ok {
			return false, nil
		}
		left = right
	}

	return true, nil
}

// compare 类型不匹配或操作数缺失时返回 false，不报错
// （设备 payload 字段缺失是常态，不应让单条定义反复报错）
func compare(a, b interface{}, op string) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return false
		}
		switch op {
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		case ">":
			return af > bf
		case ">=":
			return af >= bf
		case "==":
			return af == bf
		case "!=":
			return af != bf
		}
		return false
	}

	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return av == bv
		case "!=":
			return av != bv
		}
		return false
	case string:
		bv, ok := b.(string)
		if !ok {
			return false
		}
		switch op {
		case "==":
			return strings.EqualFold(av, bv)
		case "!=":
			return !strings.EqualFold(av, bv)
		}
		return false
	}

	return false
}

type logicalNode struct {
	op    string
	left  node
	right node
}

func (n *logicalNode) eval(src VarSource, lastEval, now time.Time) (interface{}, error) {
	left, err := n.left.eval(src, lastEval, now)
	if err != nil {
		return nil, err
	}

	// 短路
	if n.op == "&&" && !truthy(left) {
		return false, nil
	}
	if n.op == "||" && truthy(left) {
		return true, nil
	}

	right, err := n.right.eval(src, lastEval, now)
	if err != nil {
		return nil, err
	}
	return truthy(right), nil
}

// keywordNode 时间关键字比较
// 与上次评估时间比较而非与变量比较，调度型定义（"每小时"、"每天8点"）依赖它
type keywordNode struct {
	keyword string
	op      string
	operand string
}

func (n *keywordNode) eval(_ VarSource, lastEval, now time.Time) (interface{}, error) {
	switch n.keyword {
	case "time":
		// 边界 = 今日零点 + N 秒；上次评估在边界前、当前时间已过边界时触发一次
		secs, err := strconv.ParseFloat(n.operand, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid time operand %q: %w", n.operand, err)
		}
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		boundary := midnight.Add(time.Duration(secs * float64(time.Second)))
		return lastEval.Before(boundary) && !now.Before(boundary), nil
	case "day":
		// 星期比较，周一=0（与定义编辑端约定一致）
		dayNum, err := strconv.Atoi(n.operand)
		if err != nil {
			return nil, fmt.Errorf("invalid day operand %q: %w", n.operand, err)
		}
		weekday := (int(now.Weekday()) + 6) % 7
		return weekday == dayNum, nil
	case "period":
		interval, ok := periodIntervals[n.operand]
		if !ok {
			return nil, fmt.Errorf("unknown period %q", n.operand)
		}
		return now.Sub(lastEval) > interval, nil
	default:
		return nil, fmt.Errorf("unknown keyword %q", n.keyword)
	}
}

var periodIntervals = map[string]time.Duration{
	"minutely": time.Minute,
	"hourly":   time.Hour,
	"daily":    24 * time.Hour,
	"weekly":   7 * 24 * time.Hour,
	"monthly":  4 * 7 * 24 * time.Hour,
	"yearly":   52 * 7 * 24 * time.Hour,
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case nil:
		return false
	default:
		return false
	}
}
