package guard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// ParseCondition parses a row condition into an Expr. The grammar is
//
//	expr    := or
//	or      := and { ("or" | "||") and }
//	and     := unary { ("and" | "&&") unary }
//	unary   := ("not" | "!") unary | "(" expr ")" | test
//	test    := operand [ cmp operand | ["not"] "in" list ]
//	list    := "[" [ operand { "," operand } ] "]" | identifier
//	operand := string | number | "true" | "false" | identifier
//
// Keywords are case-insensitive. Identifiers may contain dots
// (actor.username).
func ParseCondition(s string) (Expr, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty condition")
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return e, nil
}

var compiled sync.Map // source -> Expr

// CompileCondition is ParseCondition with a process-wide cache keyed by the
// trimmed source text. Parse failures are not cached.
func CompileCondition(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if v, ok := compiled.Load(s); ok {
		return v.(Expr), nil
	}
	e, err := ParseCondition(s)
	if err != nil {
		return nil, err
	}
	v, _ := compiled.LoadOrStore(s, e)
	return v.(Expr), nil
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
	num  any
}

func tokenize(s string) ([]token, error) {
	var out []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			out = append(out, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '[':
			out = append(out, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case r == ']':
			out = append(out, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case r == ',':
			out = append(out, token{kind: tokComma, text: ",", pos: i})
			i++
		case r == '"' || r == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(rs) {
				c := rs[i]
				if c == '\\' && i+1 < len(rs) {
					b.WriteRune(rs[i+1])
					i += 2
					continue
				}
				if c == r {
					closed = true
					i++
					break
				}
				b.WriteRune(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at offset %d", start)
			}
			out = append(out, token{kind: tokString, text: b.String(), pos: start})
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			n, err := parseNumber(text)
			if err != nil {
				return nil, fmt.Errorf("bad number %q at offset %d", text, start)
			}
			out = append(out, token{kind: tokNumber, text: text, pos: start, num: n})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}
			out = append(out, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		default:
			start := i
			two := ""
			if i+1 < len(rs) {
				two = string(rs[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				out = append(out, token{kind: tokOp, text: two, pos: start})
				i += 2
				continue
			}
			switch r {
			case '<', '>', '!':
				out = append(out, token{kind: tokOp, text: string(r), pos: start})
				i++
				continue
			}
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, start)
		}
	}
	out = append(out, token{kind: tokEOF, pos: len(rs)})
	return out, nil
}

// parseNumber keeps integer literals exact and falls back to float64.
func parseNumber(text string) (any, error) {
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, nil
	}
	if u, err := strconv.ParseUint(text, 10, 64); err == nil {
		return u, nil
	}
	return strconv.ParseFloat(text, 64)
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) keyword(words ...string) bool {
	t := p.peek()
	if t.kind != tokIdent {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(t.text, w) {
			return true
		}
	}
	return false
}

func (p *parser) op(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, o := range ops {
		if t.text == o {
			return true
		}
	}
	return false
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") || p.op("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") || p.op("&&") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("not") || p.op("!") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Inner: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at offset %d", t.pos)
		}
		return e, nil
	}
	return p.parseTest()
}

func (p *parser) parseTest() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch {
	case p.op("==", "!=", "<", "<=", ">", ">="):
		op := p.next().text
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &CompareExpr{Op: op, Left: left, Right: right}, nil
	case p.keyword("in"):
		p.next()
		return p.parseList(left)
	case p.keyword("not") && p.i+1 < len(p.toks) && p.toks[p.i+1].kind == tokIdent && strings.EqualFold(p.toks[p.i+1].text, "in"):
		p.next()
		p.next()
		in, err := p.parseList(left)
		if err != nil {
			return nil, err
		}
		return &NotExpr{Inner: in}, nil
	}
	return &TruthExpr{Value: left}, nil
}

func (p *parser) parseList(field Operand) (Expr, error) {
	t := p.peek()
	if t.kind == tokIdent && !isLiteralWord(t.text) {
		p.next()
		return &InExpr{Field: field, Source: &Ref{Name: t.text}}, nil
	}
	if t.kind != tokLBracket {
		return nil, fmt.Errorf("expected [ or identifier after in at offset %d", t.pos)
	}
	p.next()
	var values []Operand
	if p.peek().kind != tokRBracket {
		for {
			v, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if t := p.next(); t.kind != tokRBracket {
		return nil, fmt.Errorf("expected ] at offset %d", t.pos)
	}
	return &InExpr{Field: field, Values: values}, nil
}

func (p *parser) parseOperand() (Operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return Literal{Value: t.text}, nil
	case tokNumber:
		return Literal{Value: t.num}, nil
	case tokIdent:
		switch {
		case strings.EqualFold(t.text, "true"):
			return Literal{Value: true}, nil
		case strings.EqualFold(t.text, "false"):
			return Literal{Value: false}, nil
		case isKeyword(t.text):
			return nil, fmt.Errorf("unexpected keyword %q at offset %d", t.text, t.pos)
		}
		return Ref{Name: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of condition")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func isLiteralWord(s string) bool {
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "false")
}

func isKeyword(s string) bool {
	switch strings.ToLower(s) {
	case "and", "or", "not", "in":
		return true
	}
	return false
}
