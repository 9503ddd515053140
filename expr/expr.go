// Package expr evaluates a small, side-effect-free expression grammar:
// arithmetic, comparisons, and boolean logic over a caller-supplied
// variable bag. It has no function calls, no indexing, and no access to
// anything outside the provided variables, which makes it safe to run
// against caller-supplied condition strings.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Eval parses and evaluates src against vars. Results are float64,
// string, or bool. Variable values may be any Go numeric type, string,
// or bool; numerics are widened to float64.
func Eval(src string, vars map[string]any) (any, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos].text)
	}
	return node.eval(vars)
}

// EvalBool evaluates src and requires a boolean result.
func EvalBool(src string, vars map[string]any) (bool, error) {
	v, err := Eval(src, vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean (got %T)", src, v)
	}
	return b, nil
}

// --- lexer ---

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case strings.ContainsRune("+-*/%", rune(c)):
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			if op == "=" {
				return nil, fmt.Errorf("single '=' at offset %d (use '==')", i)
			}
			toks = append(toks, token{tokOp, op})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
			}
			toks = append(toks, token{tokOp, string(c) + string(c)})
			i += 2
		case c == '"' || c == '\'':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end]})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			word := src[i:j]
			switch word {
			case "and", "or", "not":
				toks = append(toks, token{tokOp, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

// --- parser ---

type node interface {
	eval(vars map[string]any) (any, error)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peekOp(ops ...string) (string, bool) {
	if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.toks[p.pos].text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("||", "or"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binary{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.peekOp("&&", "and"); !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binary{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.peekOp("!", "not"); ok {
		p.pos++
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unary{op: "!", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	op, ok := p.peekOp("==", "!=", "<", "<=", ">", ">=")
	if !ok {
		return left, nil
	}
	p.pos++
	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	return &binary{op: op, left: left, right: right}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("+", "-")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binary{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.peekOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binary{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.peekOp("-"); ok {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unary{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.pos >= len(p.toks) {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	tok := p.toks[p.pos]
	switch tok.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q: %w", tok.text, err)
		}
		p.pos++
		return &literal{value: n}, nil
	case tokString:
		p.pos++
		return &literal{value: tok.text}, nil
	case tokIdent:
		p.pos++
		switch tok.text {
		case "true":
			return &literal{value: true}, nil
		case "false":
			return &literal{value: false}, nil
		}
		return &variable{name: tok.text}, nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.toks) || p.toks[p.pos].kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

// --- AST evaluation ---

type literal struct{ value any }

func (l *literal) eval(map[string]any) (any, error) { return l.value, nil }

type variable struct{ name string }

func (v *variable) eval(vars map[string]any) (any, error) {
	val, ok := vars[v.name]
	if !ok {
		return nil, fmt.Errorf("unknown variable %q", v.name)
	}
	return normalize(val)
}

type unary struct {
	op      string
	operand node
}

func (u *unary) eval(vars map[string]any) (any, error) {
	v, err := u.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "-":
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -n, nil
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot apply 'not' to %T", v)
		}
		return !b, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", u.op)
}

type binary struct {
	op          string
	left, right node
}

func (b *binary) eval(vars map[string]any) (any, error) {
	// Short-circuit boolean operators.
	if b.op == "&&" || b.op == "||" {
		lv, err := b.left.eval(vars)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("operand of %q is %T, not bool", b.op, lv)
		}
		if b.op == "&&" && !lb {
			return false, nil
		}
		if b.op == "||" && lb {
			return true, nil
		}
		rv, err := b.right.eval(vars)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("operand of %q is %T, not bool", b.op, rv)
		}
		return rb, nil
	}

	lv, err := b.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := b.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return lv == rv, nil
	case "!=":
		return lv != rv, nil
	}

	ln, lok := lv.(float64)
	rn, rok := rv.(float64)
	if lok && rok {
		switch b.op {
		case "+":
			return ln + rn, nil
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		case "/":
			if rn == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ln / rn, nil
		case "%":
			if rn == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return float64(int64(ln) % int64(rn)), nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		}
	}

	ls, lok := lv.(string)
	rs, rok := rv.(string)
	if lok && rok {
		switch b.op {
		case "+":
			return ls + rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}

	return nil, fmt.Errorf("operator %q not defined for %T and %T", b.op, lv, rv)
}

// normalize widens numeric variable values to float64.
func normalize(v any) (any, error) {
	switch n := v.(type) {
	case float64, string, bool:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return nil, fmt.Errorf("unsupported variable type %T", v)
	}
}
