// Package formula compiles and evaluates the arithmetic expressions used by
// computed wizard fields. The grammar is closed: numeric literals, field
// identifiers, + - * /, unary sign, parentheses and the column aggregates
// sum, avg, min, max and count. Nothing else can be expressed.
package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pitabwire/offerdesk/model"
)

// Env supplies values to an expression.
type Env interface {
	// Lookup returns the raw value bound to a bare identifier.
	Lookup(name string) (any, bool)
	// Column returns every row's value for a table column, for aggregates.
	Column(name string) []any
}

// MapEnv binds identifiers to a flat value map. It has no columns.
type MapEnv map[string]any

// Lookup implements Env.
func (m MapEnv) Lookup(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Column implements Env.
func (MapEnv) Column(string) []any { return nil }

// Result is the outcome of evaluating a formula. An unavailable result is
// shown as a placeholder; it is never zero or an error to the caller.
type Result struct {
	Value     float64
	Available bool
	// Missing names the first dependency that had no usable value.
	Missing string
}

// Unavailable is the display text of a result that could not be computed.
const Unavailable = "Unavailable"

var errUnavailable = errors.New("formula: unavailable")

type missingError struct{ name string }

func (e *missingError) Error() string { return fmt.Sprintf("formula: %s has no value", e.name) }
func (e *missingError) Unwrap() error { return errUnavailable }

// Expression is a compiled formula.
type Expression struct {
	src     string
	root    node
	idents  []string
	columns []string
}

// Source returns the expression text.
func (e *Expression) Source() string { return e.src }

// Identifiers returns the distinct bare identifiers in order of appearance.
// Aggregate arguments are not included.
func (e *Expression) Identifiers() []string { return e.idents }

// Columns returns the distinct columns referenced by aggregates.
func (e *Expression) Columns() []string { return e.columns }

// Eval evaluates the expression. Any dependency that is missing, blank,
// non-numeric or zero makes the result unavailable, as does division by zero
// or a non-finite intermediate. Successful results are rounded to 2 decimals.
func (e *Expression) Eval(env Env) Result {
	v, err := e.root.eval(env)
	if err != nil {
		var me *missingError
		if errors.As(err, &me) {
			return Result{Missing: me.name}
		}
		return Result{}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Result{}
	}
	return Result{Value: Round2(v), Available: true}
}

// Round2 rounds to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var cache sync.Map

// Compile parses an expression, reusing a previously compiled copy of the
// same text.
func Compile(src string) (*Expression, error) {
	if cached, ok := cache.Load(src); ok {
		return cached.(*Expression), nil
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("formula: empty expression")
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("formula: unexpected %q at offset %d", p.tokens[p.pos].raw, p.tokens[p.pos].offset)
	}
	expr := &Expression{src: src, root: root, idents: p.idents, columns: p.columns}
	cache.Store(src, expr)
	return expr, nil
}

// Evaluate compiles and evaluates src in one step. A syntax error yields an
// unavailable result.
func Evaluate(src string, env Env) Result {
	expr, err := Compile(src)
	if err != nil {
		return Result{}
	}
	return expr.Eval(env)
}

// --- tokenizer ---

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenLParen
	tokenRParen
)

type token struct {
	kind   tokenKind
	raw    string
	num    float64
	offset int
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '+':
			tokens = append(tokens, token{kind: tokenPlus, raw: "+", offset: i})
			i++
		case ch == '-':
			tokens = append(tokens, token{kind: tokenMinus, raw: "-", offset: i})
			i++
		case ch == '*':
			tokens = append(tokens, token{kind: tokenStar, raw: "*", offset: i})
			i++
		case ch == '/':
			tokens = append(tokens, token{kind: tokenSlash, raw: "/", offset: i})
			i++
		case ch == '(':
			tokens = append(tokens, token{kind: tokenLParen, raw: "(", offset: i})
			i++
		case ch == ')':
			tokens = append(tokens, token{kind: tokenRParen, raw: ")", offset: i})
			i++
		case isDigit(ch) || ch == '.':
			start := i
			for i < len(input) && (isDigit(input[i]) || input[i] == '.') {
				i++
			}
			raw := input[start:i]
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("formula: invalid number %q at offset %d", raw, start)
			}
			tokens = append(tokens, token{kind: tokenNumber, raw: raw, num: n, offset: start})
		case isIdentStart(ch):
			start := i
			for i < len(input) && (isIdentStart(input[i]) || isDigit(input[i])) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, raw: input[start:i], offset: start})
		default:
			return nil, fmt.Errorf("formula: unexpected character %q at offset %d", ch, i)
		}
	}
	return tokens, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// --- parser ---

const maxDepth = 64

type parser struct {
	tokens  []token
	pos     int
	idents  []string
	columns []string
}

func (p *parser) peek() *token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("formula: expression nested too deeply")
	}
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || (t.kind != tokenPlus && t.kind != tokenMinus) {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || (t.kind != tokenStar && t.kind != tokenSlash) {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.kind, left: left, right: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	t := p.peek()
	if t != nil && (t.kind == tokenMinus || t.kind == tokenPlus) {
		if depth > maxDepth {
			return nil, fmt.Errorf("formula: expression nested too deeply")
		}
		p.pos++
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		if t.kind == tokenMinus {
			return &negNode{operand: operand}, nil
		}
		return operand, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("formula: unexpected end of expression")
	}
	p.pos++
	switch t.kind {
	case tokenNumber:
		return &numberNode{value: t.num}, nil
	case tokenLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.peek(); closing == nil || closing.kind != tokenRParen {
			return nil, fmt.Errorf("formula: missing ')' for '(' at offset %d", t.offset)
		}
		p.pos++
		return inner, nil
	case tokenIdent:
		if next := p.peek(); next != nil && next.kind == tokenLParen {
			return p.parseAggregate(t)
		}
		p.idents = appendUnique(p.idents, t.raw)
		return &identNode{name: t.raw}, nil
	default:
		return nil, fmt.Errorf("formula: unexpected %q at offset %d", t.raw, t.offset)
	}
}

func (p *parser) parseAggregate(fn *token) (node, error) {
	agg, ok := aggregates[strings.ToLower(fn.raw)]
	if !ok {
		return nil, fmt.Errorf("formula: unknown function %q at offset %d", fn.raw, fn.offset)
	}
	p.pos++ // (
	col := p.peek()
	if col == nil || col.kind != tokenIdent {
		return nil, fmt.Errorf("formula: %s expects a column name", fn.raw)
	}
	p.pos++
	if closing := p.peek(); closing == nil || closing.kind != tokenRParen {
		return nil, fmt.Errorf("formula: missing ')' after %s(%s", fn.raw, col.raw)
	}
	p.pos++
	p.columns = appendUnique(p.columns, col.raw)
	return &aggregateNode{fn: agg, column: col.raw}, nil
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

// --- evaluation ---

type node interface {
	eval(env Env) (float64, error)
}

type numberNode struct{ value float64 }

func (n *numberNode) eval(Env) (float64, error) { return n.value, nil }

type identNode struct{ name string }

func (n *identNode) eval(env Env) (float64, error) {
	raw, ok := env.Lookup(n.name)
	if !ok || model.IsEmpty(raw) {
		return 0, &missingError{name: n.name}
	}
	v, ok := model.ToNumber(raw)
	if !ok || v == 0 {
		return 0, &missingError{name: n.name}
	}
	return v, nil
}

type negNode struct{ operand node }

func (n *negNode) eval(env Env) (float64, error) {
	v, err := n.operand.eval(env)
	return -v, err
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n *binaryNode) eval(env Env) (float64, error) {
	l, err := n.left.eval(env)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case tokenPlus:
		return l + r, nil
	case tokenMinus:
		return l - r, nil
	case tokenStar:
		return l * r, nil
	default:
		if r == 0 {
			return 0, errUnavailable
		}
		return l / r, nil
	}
}

type aggregateFunc func(values []float64) (float64, bool)

var aggregates = map[string]aggregateFunc{
	"sum": func(vs []float64) (float64, bool) {
		total := 0.0
		for _, v := range vs {
			total += v
		}
		return total, true
	},
	"avg": func(vs []float64) (float64, bool) {
		if len(vs) == 0 {
			return 0, false
		}
		total := 0.0
		for _, v := range vs {
			total += v
		}
		return total / float64(len(vs)), true
	},
	"min": func(vs []float64) (float64, bool) {
		if len(vs) == 0 {
			return 0, false
		}
		m := vs[0]
		for _, v := range vs[1:] {
			m = math.Min(m, v)
		}
		return m, true
	},
	"max": func(vs []float64) (float64, bool) {
		if len(vs) == 0 {
			return 0, false
		}
		m := vs[0]
		for _, v := range vs[1:] {
			m = math.Max(m, v)
		}
		return m, true
	},
	"count": func(vs []float64) (float64, bool) {
		return float64(len(vs)), true
	},
}

type aggregateNode struct {
	fn     aggregateFunc
	column string
}

// Non-numeric cells are skipped; the aggregate sees only numeric values.
func (n *aggregateNode) eval(env Env) (float64, error) {
	var nums []float64
	for _, raw := range env.Column(n.column) {
		if v, ok := model.ToNumber(raw); ok {
			nums = append(nums, v)
		}
	}
	v, ok := n.fn(nums)
	if !ok {
		return 0, &missingError{name: n.column}
	}
	return v, nil
}
