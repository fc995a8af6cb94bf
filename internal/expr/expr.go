// Package expr evaluates job and step `if:` condition expressions.
//
// Supported grammar:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | primary
//	primary = "(" expr ")" | value [ ("==" | "!=") value ]
//	value   = 'literal' | context.path | success() | failure() | always()
//
// Context paths (event.name, event.ref, ...) resolve to strings; unknown
// paths resolve to "". A bare value is truthy when non-empty and not
// "false". An empty expression is equivalent to success().
package expr

import (
	"strings"

	"github.com/pkg/errors"
)

// Context supplies values for condition evaluation.
type Context struct {
	// Vars maps dotted lookup paths to values, e.g.
	// "event.name" -> "push", "event.ref" -> "refs/heads/main".
	Vars map[string]string

	// Failed reports whether any transitive dependency of the guarded job
	// has failed: success() returns !Failed, failure() returns Failed.
	Failed bool
}

// Eval evaluates the condition against the context. An empty or
// whitespace-only expression behaves like success().
func Eval(expression string, ctx Context) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return !ctx.Failed, nil
	}
	toks, err := lex(expression)
	if err != nil {
		return false, err
	}
	p := &parser{toks: toks, ctx: ctx}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, errors.Errorf("unexpected %q", p.toks[p.pos].text)
	}
	return v.truthy(), nil
}

// ContainsStatusCheck reports whether the expression calls success(),
// failure() or always(). A condition without one of these keeps the
// implicit requirement that every dependency succeeded.
func ContainsStatusCheck(expression string) bool {
	toks, err := lex(expression)
	if err != nil {
		return false
	}
	for _, tok := range toks {
		if tok.kind != tokIdent {
			continue
		}
		switch tok.text {
		case "success", "failure", "always":
			return true
		}
	}
	return false
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokOp // == != && || ! ( )
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, token{tokOp, string(c)})
			i++
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "!="})
				i += 2
			} else {
				toks = append(toks, token{tokOp, "!"})
				i++
			}
		case c == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "=="})
				i += 2
			} else {
				return nil, errors.New("single = is not an operator; use ==")
			}
		case c == '&':
			if i+1 < len(s) && s[i+1] == '&' {
				toks = append(toks, token{tokOp, "&&"})
				i += 2
			} else {
				return nil, errors.New("single & is not an operator; use &&")
			}
		case c == '|':
			if i+1 < len(s) && s[i+1] == '|' {
				toks = append(toks, token{tokOp, "||"})
				i += 2
			} else {
				return nil, errors.New("single | is not an operator; use ||")
			}
		case c == '\'':
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				return nil, errors.New("unterminated string literal")
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+j]})
			i += j + 2
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			return nil, errors.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

func isIdentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return c == '.' || c == '_' || c == '-' || c == '/'
}

// value is an evaluated operand: either a string or a boolean.
type value struct {
	s      string
	b      bool
	isBool bool
}

func (v value) truthy() bool {
	if v.isBool {
		return v.b
	}
	return v.s != "" && v.s != "false"
}

func boolValue(b bool) value { return value{b: b, isBool: true} }

func strValue(s string) value { return value{s: s} }

func (v value) String() string {
	if v.isBool {
		if v.b {
			return "true"
		}
		return "false"
	}
	return v.s
}

type parser struct {
	toks []token
	pos  int
	ctx  Context
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) acceptOp(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (value, error) {
	left, err := p.parseAnd()
	if err != nil {
		return value{}, err
	}
	for p.acceptOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return value{}, err
		}
		left = boolValue(left.truthy() || right.truthy())
	}
	return left, nil
}

func (p *parser) parseAnd() (value, error) {
	left, err := p.parseUnary()
	if err != nil {
		return value{}, err
	}
	for p.acceptOp("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		left = boolValue(left.truthy() && right.truthy())
	}
	return left, nil
}

func (p *parser) parseUnary() (value, error) {
	if p.acceptOp("!") {
		v, err := p.parseUnary()
		if err != nil {
			return value{}, err
		}
		return boolValue(!v.truthy()), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (value, error) {
	if p.acceptOp("(") {
		v, err := p.parseOr()
		if err != nil {
			return value{}, err
		}
		if !p.acceptOp(")") {
			return value{}, errors.New("missing )")
		}
		return p.parseComparisonTail(v)
	}
	v, err := p.parseValue()
	if err != nil {
		return value{}, err
	}
	return p.parseComparisonTail(v)
}

func (p *parser) parseComparisonTail(left value) (value, error) {
	var negate bool
	switch {
	case p.acceptOp("=="):
	case p.acceptOp("!="):
		negate = true
	default:
		return left, nil
	}
	right, err := p.parseValue()
	if err != nil {
		return value{}, err
	}
	eq := left.String() == right.String()
	return boolValue(eq != negate), nil
}

func (p *parser) parseValue() (value, error) {
	t, ok := p.peek()
	if !ok {
		return value{}, errors.New("unexpected end of expression")
	}
	switch t.kind {
	case tokString:
		p.pos++
		return strValue(t.text), nil
	case tokIdent:
		p.pos++
		// Function call?
		if p.acceptOp("(") {
			if !p.acceptOp(")") {
				return value{}, errors.Errorf("%s() takes no arguments", t.text)
			}
			switch t.text {
			case "success":
				return boolValue(!p.ctx.Failed), nil
			case "failure":
				return boolValue(p.ctx.Failed), nil
			case "always":
				return boolValue(true), nil
			default:
				return value{}, errors.Errorf("unknown function %q", t.text)
			}
		}
		switch t.text {
		case "true":
			return boolValue(true), nil
		case "false":
			return boolValue(false), nil
		}
		return strValue(p.ctx.Vars[t.text]), nil
	default:
		return value{}, errors.Errorf("unexpected %q", t.text)
	}
}
