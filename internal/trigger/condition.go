package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate reports whether the condition expression holds for attrs.
//
// The grammar is deliberately small:
//
//	expr    = and { ("||" | "or") and }
//	and     = unary { ("&&" | "and") unary }
//	unary   = ("!" | "not") unary | compare
//	compare = operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand = number | string | "true" | "false" | identifier | "(" expr ")"
//
// Identifiers are looked up in attrs; an unknown identifier is an error.
// Integers in attrs are compared as float64.
func Evaluate(expr string, attrs map[string]any) (bool, error) {
	toks, err := lex(expr)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, attrs: attrs}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("trigger: unexpected %q", p.toks[p.pos].text)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("trigger: %q is not a boolean expression", expr)
	}
	return b, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

var twoCharOps = []string{"==", "!=", "<=", ">=", "&&", "||"}

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], s[i])
			if end < 0 {
				return nil, errors.New("trigger: unterminated string")
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(s) && unicode.IsDigit(rune(s[i+1]))):
			j := i + 1
			for j < len(s) && (unicode.IsDigit(rune(s[j])) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case c == '_' || unicode.IsLetter(c):
			j := i + 1
			for j < len(s) && (s[j] == '_' || s[j] == '.' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			if i+1 < len(s) {
				two := s[i : i+2]
				matched := false
				for _, op := range twoCharOps {
					if two == op {
						toks = append(toks, token{tokOp, two})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if strings.ContainsRune("<>!()", c) {
				toks = append(toks, token{tokOp, string(c)})
				i++
				continue
			}
			return nil, fmt.Errorf("trigger: unexpected character %q", c)
		}
	}
	return toks, nil
}

type parser struct {
	toks  []token
	pos   int
	attrs map[string]any
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

// accept consumes the next token if it is one of the given operators or
// keywords.
func (p *parser) accept(words ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || (t.kind != tokOp && t.kind != tokIdent) {
		return "", false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			p.pos++
			return w, true
		}
	}
	return "", false
}

func (p *parser) or() (any, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("||", "or"); !ok {
			return left, nil
		}
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		l, r, err := bools(left, right)
		if err != nil {
			return nil, err
		}
		left = l || r
	}
}

func (p *parser) and() (any, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.accept("&&", "and"); !ok {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		l, r, err := bools(left, right)
		if err != nil {
			return nil, err
		}
		left = l && r
	}
}

func (p *parser) unary() (any, error) {
	if _, ok := p.accept("!", "not"); ok {
		v, err := p.unary()
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("trigger: cannot negate %v", v)
		}
		return !b, nil
	}
	return p.compare()
}

func (p *parser) compare() (any, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	op, ok := p.accept("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return compareValues(op, left, right)
}

func (p *parser) operand() (any, error) {
	t, ok := p.peek()
	if !ok {
		return nil, errors.New("trigger: unexpected end of expression")
	}
	p.pos++
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("trigger: bad number %q: %w", t.text, err)
		}
		return f, nil
	case tokString:
		return t.text, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		v, ok := p.attrs[t.text]
		if !ok {
			return nil, fmt.Errorf("trigger: unknown attribute %q", t.text)
		}
		return normalise(v), nil
	}
	if t.text == "(" {
		v, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, ok := p.accept(")"); !ok {
			return nil, errors.New("trigger: missing closing parenthesis")
		}
		return v, nil
	}
	return nil, fmt.Errorf("trigger: unexpected %q", t.text)
}

func normalise(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func bools(a, b any) (bool, bool, error) {
	l, ok1 := a.(bool)
	r, ok2 := b.(bool)
	if !ok1 || !ok2 {
		return false, false, fmt.Errorf("trigger: logical operator needs booleans, got %v and %v", a, b)
	}
	return l, r, nil
}

func compareValues(op string, a, b any) (bool, error) {
	switch l := a.(type) {
	case float64:
		r, ok := b.(float64)
		if !ok {
			return false, fmt.Errorf("trigger: cannot compare number with %v", b)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		case "<":
			return l < r, nil
		case "<=":
			return l <= r, nil
		case ">":
			return l > r, nil
		case ">=":
			return l >= r, nil
		}
	case string:
		r, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("trigger: cannot compare string with %v", b)
		}
		c := strings.Compare(l, r)
		switch op {
		case "==":
			return c == 0, nil
		case "!=":
			return c != 0, nil
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		case ">=":
			return c >= 0, nil
		}
	case bool:
		r, ok := b.(bool)
		if !ok {
			return false, fmt.Errorf("trigger: cannot compare boolean with %v", b)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		}
		return false, fmt.Errorf("trigger: operator %s is not defined for booleans", op)
	}
	return false, fmt.Errorf("trigger: cannot compare %v", a)
}
