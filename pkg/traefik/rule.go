package traefik

import (
	"fmt"
	"strconv"
	"strings"
	"text/scanner"

	"github.com/jxskiss/gwxlate/pkg/ir"
	"github.com/jxskiss/gwxlate/pkg/values"
)

// quoteArg renders a matcher argument, backquoted unless it contains a
// backquote itself.
func quoteArg(s string) string {
	if !strings.Contains(s, "`") {
		return "`" + s + "`"
	}
	return strconv.Quote(s)
}

func call(name string, args ...string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = quoteArg(a)
	}
	return name + "(" + strings.Join(quoted, ", ") + ")"
}

// routeRule builds the router rule of a route: a path matcher and,
// when methods are restricted, a disjunction of Method matchers.
func routeRule(r *ir.Route) string {
	var path string
	switch r.Match.Kind {
	case ir.MatchExact:
		path = call("Path", r.Match.Value)
	case ir.MatchRegex:
		path = call("PathRegexp", r.Match.Value)
	default:
		path = call("PathPrefix", r.Match.Value)
	}
	if r.Methods.Any() {
		return path
	}
	methods := r.Methods.Methods()
	if len(methods) == 1 {
		return path + " && " + call("Method", methods[0])
	}
	terms := make([]string, len(methods))
	for i, m := range methods {
		terms[i] = call("Method", m)
	}
	return path + " && (" + strings.Join(terms, " || ") + ")"
}

func headerRule(base, header, value string) string {
	return base + " && " + call("Header", header, value)
}

// expr is a parsed rule expression.
type expr interface {
	String() string
}

type matcher struct {
	name string
	args []string
}

type binary struct {
	op   string // "&&" or "||"
	l, r expr
}

type not struct {
	x expr
}

func (m *matcher) String() string { return call(m.name, m.args...) }
func (b *binary) String() string  { return "(" + b.l.String() + " " + b.op + " " + b.r.String() + ")" }
func (n *not) String() string     { return "!" + n.x.String() }

type ruleParser struct {
	s   scanner.Scanner
	tok rune
	err error
}

// parseRule parses a router rule. The grammar is the one Traefik uses:
// matcher calls combined with &&, || and ! and grouped by parentheses.
func parseRule(rule string) (expr, error) {
	p := &ruleParser{}
	p.s.Init(strings.NewReader(rule))
	p.s.Mode = scanner.ScanIdents | scanner.ScanStrings | scanner.ScanRawStrings | scanner.ScanInts
	p.s.Error = func(_ *scanner.Scanner, msg string) {
		if p.err == nil {
			p.err = fmt.Errorf("%s", msg)
		}
	}
	p.next()
	x := p.or()
	if p.err == nil && p.tok != scanner.EOF {
		p.fail("unexpected %s", p.s.TokenText())
	}
	if p.err != nil {
		return nil, p.err
	}
	return x, nil
}

func (p *ruleParser) next() { p.tok = p.s.Scan() }

func (p *ruleParser) fail(format string, args ...any) {
	if p.err == nil {
		p.err = fmt.Errorf("column %d: %s", p.s.Position.Column, fmt.Sprintf(format, args...))
	}
}

// op consumes a two-character operator such as && or ||.
func (p *ruleParser) op(c rune) bool {
	if p.tok != c || p.s.Peek() != c {
		return false
	}
	p.next()
	p.next()
	return true
}

func (p *ruleParser) or() expr {
	x := p.and()
	for p.err == nil && p.op('|') {
		x = &binary{op: "||", l: x, r: p.and()}
	}
	return x
}

func (p *ruleParser) and() expr {
	x := p.unary()
	for p.err == nil && p.op('&') {
		x = &binary{op: "&&", l: x, r: p.unary()}
	}
	return x
}

func (p *ruleParser) unary() expr {
	switch p.tok {
	case '!':
		p.next()
		return &not{x: p.unary()}
	case '(':
		p.next()
		x := p.or()
		if p.tok != ')' {
			p.fail("missing )")
			return x
		}
		p.next()
		return x
	case scanner.Ident:
		return p.matcher()
	}
	p.fail("unexpected %q", p.s.TokenText())
	return &matcher{}
}

func (p *ruleParser) matcher() expr {
	m := &matcher{name: p.s.TokenText()}
	p.next()
	if p.tok != '(' {
		p.fail("missing ( after %s", m.name)
		return m
	}
	p.next()
	for p.err == nil && p.tok != ')' {
		switch p.tok {
		case scanner.RawString, scanner.String:
			arg, err := strconv.Unquote(p.s.TokenText())
			if err != nil {
				p.fail("invalid string %s", p.s.TokenText())
				return m
			}
			m.args = append(m.args, arg)
		case scanner.Int:
			m.args = append(m.args, p.s.TokenText())
		default:
			p.fail("unexpected %q in %s", p.s.TokenText(), m.name)
			return m
		}
		p.next()
		if p.tok == ',' {
			p.next()
		}
	}
	p.next()
	return m
}

// ruleMatch is what a router rule says about a route. Terms that have
// no IR meaning, such as Host, are kept in other.
type ruleMatch struct {
	paths   []ir.PathMatch
	methods values.MethodSet
	headers []ir.Header
	other   []string
}

// interpret reads a rule as a conjunction of path, method and header
// terms. A disjunction is understood when all of its terms are path
// matchers or all are Method matchers.
func interpret(x expr) *ruleMatch {
	out := &ruleMatch{}
	for _, term := range conjunction(x) {
		if !out.add(term) {
			out.other = append(out.other, term.String())
		}
	}
	return out
}

func conjunction(x expr) []expr {
	if b, ok := x.(*binary); ok && b.op == "&&" {
		return append(conjunction(b.l), conjunction(b.r)...)
	}
	return []expr{x}
}

func disjunction(x expr) []expr {
	if b, ok := x.(*binary); ok && b.op == "||" {
		return append(disjunction(b.l), disjunction(b.r)...)
	}
	return []expr{x}
}

func (out *ruleMatch) add(term expr) bool {
	terms := disjunction(term)
	var paths []ir.PathMatch
	var methods values.MethodSet
	for _, t := range terms {
		m, ok := t.(*matcher)
		if !ok || len(m.args) == 0 {
			return false
		}
		switch m.name {
		case "Path", "PathPrefix", "PathRegexp":
			if methods != 0 {
				return false
			}
			for _, a := range m.args {
				paths = append(paths, pathMatch(m.name, a))
			}
		case "Method":
			if len(paths) > 0 {
				return false
			}
			set, err := values.ParseMethods(m.args...)
			if err != nil {
				return false
			}
			methods |= set
		case "Header", "Headers":
			if len(terms) > 1 || len(m.args) != 2 {
				return false
			}
			out.headers = append(out.headers, ir.Header{Name: m.args[0], Value: m.args[1]})
			return true
		default:
			return false
		}
	}
	if len(paths) > 0 {
		if len(out.paths) > 0 {
			return false
		}
		out.paths = paths
	}
	if methods != 0 {
		if out.methods != 0 {
			return false
		}
		out.methods = methods
	}
	return true
}

func pathMatch(name, value string) ir.PathMatch {
	switch name {
	case "Path":
		return ir.PathMatch{Kind: ir.MatchExact, Value: value}
	case "PathRegexp":
		return ir.PathMatch{Kind: ir.MatchRegex, Value: value}
	}
	return ir.PathMatch{Kind: ir.MatchPrefix, Value: value}
}
