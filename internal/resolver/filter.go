package resolver

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidFilter = errors.New("resolver: invalid filter")

type filterOp int

const (
	opAnd filterOp = iota
	opOr
	opNot
	opEqual
	opApprox
	opGreaterEq
	opLessEq
	opPresent
	opSubstring
)

// Filter is a parsed LDAP-style filter expression.
type Filter struct {
	op       filterOp
	attr     string
	value    string
	parts    []string
	children []*Filter
	raw      string
}

// ParseFilter parses an RFC 1960 style filter string.
func ParseFilter(s string) (*Filter, error) {
	p := &filterParser{src: strings.TrimSpace(s)}
	if p.src == "" {
		return nil, fmt.Errorf("%w: empty filter", ErrInvalidFilter)
	}
	f, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		return nil, p.errorf("trailing input")
	}
	return f, nil
}

func (f *Filter) String() string {
	return f.raw
}

// Matches evaluates the filter against a capability attribute set. Attribute
// names compare case-insensitively; list values match if any element does.
func (f *Filter) Matches(attrs map[string]any) bool {
	switch f.op {
	case opAnd:
		for _, c := range f.children {
			if !c.Matches(attrs) {
				return false
			}
		}
		return true
	case opOr:
		for _, c := range f.children {
			if c.Matches(attrs) {
				return true
			}
		}
		return false
	case opNot:
		return !f.children[0].Matches(attrs)
	}

	v, ok := lookupAttr(attrs, f.attr)
	if !ok {
		return false
	}
	if f.op == opPresent {
		return true
	}
	for _, s := range flattenValue(v) {
		if f.matchValue(s) {
			return true
		}
	}
	return false
}

func (f *Filter) matchValue(s string) bool {
	switch f.op {
	case opEqual:
		return compareValues(f.attr, s, f.value) == 0
	case opApprox:
		return normalizeApprox(s) == normalizeApprox(f.value)
	case opGreaterEq:
		return compareValues(f.attr, s, f.value) >= 0
	case opLessEq:
		return compareValues(f.attr, s, f.value) <= 0
	case opSubstring:
		return matchSubstring(s, f.parts)
	}
	return false
}

type filterParser struct {
	src string
	pos int
}

func (p *filterParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q", ErrInvalidFilter, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *filterParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *filterParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *filterParser) parse() (*Filter, error) {
	p.skipSpace()
	start := p.pos
	if p.peek() != '(' {
		return nil, p.errorf("expected '('")
	}
	p.pos++

	var (
		f   *Filter
		err error
	)
	switch p.peek() {
	case '&':
		p.pos++
		f, err = p.parseList(opAnd)
	case '|':
		p.pos++
		f, err = p.parseList(opOr)
	case '!':
		p.pos++
		var child *Filter
		child, err = p.parse()
		if err == nil {
			f = &Filter{op: opNot, children: []*Filter{child}}
		}
	default:
		f, err = p.parseItem()
	}
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() != ')' {
		return nil, p.errorf("expected ')'")
	}
	p.pos++
	f.raw = p.src[start:p.pos]
	return f, nil
}

func (p *filterParser) parseList(op filterOp) (*Filter, error) {
	f := &Filter{op: op}
	for {
		p.skipSpace()
		if p.peek() != '(' {
			break
		}
		child, err := p.parse()
		if err != nil {
			return nil, err
		}
		f.children = append(f.children, child)
	}
	if len(f.children) == 0 {
		return nil, p.errorf("empty operand list")
	}
	return f, nil
}

func (p *filterParser) parseItem() (*Filter, error) {
	start := p.pos
	for p.pos < len(p.src) && !strings.ContainsRune("=<>~()", rune(p.src[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.src[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute")
	}

	var op filterOp
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, ">="):
		op, p.pos = opGreaterEq, p.pos+2
	case strings.HasPrefix(rest, "<="):
		op, p.pos = opLessEq, p.pos+2
	case strings.HasPrefix(rest, "~="):
		op, p.pos = opApprox, p.pos+2
	case strings.HasPrefix(rest, "="):
		op, p.pos = opEqual, p.pos+1
	default:
		return nil, p.errorf("missing operator")
	}

	value, parts, wildcard, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	f := &Filter{op: op, attr: strings.ToLower(attr), value: value}
	if op == opEqual && wildcard {
		if len(parts) == 2 && parts[0] == "" && parts[1] == "" {
			f.op = opPresent
		} else {
			f.op = opSubstring
			f.parts = parts
		}
	}
	return f, nil
}

func (p *filterParser) parseValue() (string, []string, bool, error) {
	var (
		cur      strings.Builder
		all      strings.Builder
		parts    []string
		wildcard bool
	)
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch c {
		case ')':
			parts = append(parts, cur.String())
			return all.String(), parts, wildcard, nil
		case '(':
			return "", nil, false, p.errorf("unescaped '('")
		case '\\':
			p.pos++
			if p.pos >= len(p.src) {
				return "", nil, false, p.errorf("dangling escape")
			}
			cur.WriteByte(p.src[p.pos])
			all.WriteByte(p.src[p.pos])
		case '*':
			wildcard = true
			parts = append(parts, cur.String())
			cur.Reset()
			all.WriteByte(c)
		default:
			cur.WriteByte(c)
			all.WriteByte(c)
		}
		p.pos++
	}
	return "", nil, false, p.errorf("unterminated value")
}

func lookupAttr(attrs map[string]any, name string) (any, bool) {
	if v, ok := attrs[name]; ok {
		return v, true
	}
	for k, v := range attrs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func containsValue(v any, want string) bool {
	for _, s := range flattenValue(v) {
		if s == want {
			return true
		}
	}
	return false
}

func flattenValue(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

func compareValues(attr, a, b string) int {
	if attr == "version" {
		return CompareVersions(a, b)
	}
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func normalizeApprox(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

func matchSubstring(s string, parts []string) bool {
	if len(parts) == 0 {
		return false
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := len(parts) - 1
	for _, mid := range parts[1:last] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, parts[last])
}
