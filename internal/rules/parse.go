package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Parse compiles a condition expression. Operator precedence is
// NOT > AND > OR, with explicit parentheses supported.
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at end of condition", p.peek().val)
	}
	return e, nil
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokString
	tokDuration
	tokOp
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokKind
	val  string
	dur  time.Duration
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	rs := []rune(input)
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, val: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, val: ")"})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokOp, val: "="})
			i++
		case c == '!' && i+1 < len(rs) && rs[i+1] == '=':
			toks = append(toks, token{kind: tokOp, val: "!="})
			i += 2
		case c == '<' || c == '>':
			op := string(c)
			i++
			if i < len(rs) && rs[i] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, val: op})
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(rs) && rs[j] != quote {
				j++
			}
			if j >= len(rs) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			toks = append(toks, token{kind: tokString, val: string(rs[i+1 : j])})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || unicode.IsLetter(rs[j]) || rs[j] == '.') {
				j++
			}
			raw := string(rs[i:j])
			d, err := parseDuration(raw)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokDuration, val: raw, dur: d})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '-') {
				j++
			}
			word := string(rs[i:j])
			switch strings.ToUpper(word) {
			case "AND":
				toks = append(toks, token{kind: tokAnd, val: word})
			case "OR":
				toks = append(toks, token{kind: tokOr, val: word})
			case "NOT":
				toks = append(toks, token{kind: tokNot, val: word})
			default:
				toks = append(toks, token{kind: tokIdent, val: word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	return toks, nil
}

// parseDuration accepts Go duration syntax plus a day unit, e.g. 2h,
// 30m, 1d, 1d4h.
func parseDuration(raw string) (time.Duration, error) {
	s := raw
	var days time.Duration
	if k := strings.IndexByte(s, 'd'); k > 0 && allDigits(s[:k]) {
		var n int
		if _, err := fmt.Sscanf(s[:k], "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		days = time.Duration(n) * 24 * time.Hour
		s = s[k+1:]
		if s == "" {
			return days, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return days + d, nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return s != ""
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool   { return p.pos >= len(p.toks) }
func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) advance() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (Expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokOr {
		p.advance()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orExpr{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (Expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for !p.eof() && p.peek().kind == tokAnd {
		p.advance()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andExpr{l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if !p.eof() && p.peek().kind == tokNot {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of condition")
	}
	t := p.advance()
	switch t.kind {
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return e, nil
	case tokIdent:
		if t.val == "has_tag" {
			return p.parseHasTag()
		}
		if !p.eof() && p.peek().kind == tokOp {
			op := p.advance().val
			lit, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			return cmpExpr{attr: t.val, op: op, lit: lit}, nil
		}
		// Bare identifier: boolean attribute.
		return boolAttrExpr{attr: t.val}, nil
	}
	return nil, fmt.Errorf("unexpected %q in condition", t.val)
}

func (p *parser) parseHasTag() (Expr, error) {
	if p.eof() || p.peek().kind != tokLParen {
		return nil, fmt.Errorf("has_tag requires a parenthesized tag")
	}
	p.advance()
	if p.eof() || (p.peek().kind != tokIdent && p.peek().kind != tokString) {
		return nil, fmt.Errorf("has_tag requires a tag name")
	}
	tag := p.advance().val
	if p.eof() || p.peek().kind != tokRParen {
		return nil, fmt.Errorf("has_tag missing closing parenthesis")
	}
	p.advance()
	return hasTagExpr{tag: tag}, nil
}

func (p *parser) parseLiteral() (literal, error) {
	if p.eof() {
		return literal{}, fmt.Errorf("missing comparison value")
	}
	t := p.advance()
	switch t.kind {
	case tokIdent, tokString:
		return literal{raw: t.val}, nil
	case tokDuration:
		return literal{raw: t.val, isDur: true, dur: t.dur}, nil
	}
	return literal{}, fmt.Errorf("invalid comparison value %q", t.val)
}
