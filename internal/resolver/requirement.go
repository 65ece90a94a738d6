package resolver

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	NamespaceIdentity  = "edge.identity"
	NamespaceBehaviour = "edge.behaviour"

	DirectiveFilter     = "filter"
	DirectiveResolution = "resolution"
	ResolutionOptional  = "optional"
)

var ErrInvalidRequirement = errors.New("resolver: invalid requirement")

// Requirement is a parsed requirement clause.
type Requirement struct {
	Namespace  string            `json:"namespace"`
	Directives map[string]string `json:"directives,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ParseRequirement parses one requirement string. Clauses are separated by
// ';' outside double quotes; the first bare clause is the namespace.
func ParseRequirement(raw string) (Requirement, error) {
	var req Requirement
	haveNamespace := false
	for _, part := range splitOutsideQuotes(raw, ';') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sep := ""
		idx := strings.Index(part, ":=")
		switch {
		case idx > 0:
			sep = ":="
		default:
			idx = strings.Index(part, "=")
			if idx > 0 {
				sep = "="
			}
		}
		if sep == "" {
			if haveNamespace {
				return Requirement{}, fmt.Errorf("%w: illegal directive/attribute <%s>", ErrInvalidRequirement, part)
			}
			req.Namespace = part
			haveNamespace = true
			continue
		}
		if !haveNamespace {
			return Requirement{}, fmt.Errorf("%w: no namespace in %q", ErrInvalidRequirement, raw)
		}
		key := strings.TrimSpace(part[:idx])
		value := unquote(strings.TrimSpace(part[idx+len(sep):]))
		if sep == ":=" {
			if req.Directives == nil {
				req.Directives = make(map[string]string)
			}
			req.Directives[key] = value
			continue
		}
		if req.Attributes == nil {
			req.Attributes = make(map[string]string)
		}
		req.Attributes[key] = value
	}
	if !haveNamespace {
		return Requirement{}, fmt.Errorf("%w: no namespace in %q", ErrInvalidRequirement, raw)
	}
	if f, ok := req.Directives[DirectiveFilter]; ok {
		if _, err := ParseFilter(f); err != nil {
			return Requirement{}, fmt.Errorf("%w: %v", ErrInvalidRequirement, err)
		}
	}
	return req, nil
}

// ParseRequirements parses every entry and fails on the first bad one.
func ParseRequirements(raw []string) ([]Requirement, error) {
	out := make([]Requirement, 0, len(raw))
	for _, r := range raw {
		req, err := ParseRequirement(r)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

// Optional reports whether the requirement carries resolution:=optional.
func (r Requirement) Optional() bool {
	return r.Directives[DirectiveResolution] == ResolutionOptional
}

// Filter returns the parsed filter directive, or nil when there is none.
func (r Requirement) Filter() (*Filter, error) {
	raw, ok := r.Directives[DirectiveFilter]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return ParseFilter(raw)
}

// Matches reports whether c satisfies the requirement.
func (r Requirement) Matches(c Capability) bool {
	if r.Namespace != c.Namespace {
		return false
	}
	for k, v := range r.Attributes {
		got, ok := lookupAttr(c.Attributes, k)
		if !ok || !containsValue(got, v) {
			return false
		}
	}
	f, err := r.Filter()
	if err != nil {
		return false
	}
	return f == nil || f.Matches(c.Attributes)
}

func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Namespace)
	for _, k := range sortedKeys(r.Directives) {
		fmt.Fprintf(&b, ";%s:=%q", k, r.Directives[k])
	}
	for _, k := range sortedKeys(r.Attributes) {
		fmt.Fprintf(&b, ";%s=%q", k, r.Attributes[k])
	}
	return b.String()
}

// IdentityRequirement builds a requirement for one exact artifact.
func IdentityRequirement(symbolicName, version string) string {
	if strings.TrimSpace(version) == "" || version == "0" {
		return fmt.Sprintf("%s;filter:=\"(%s=%s)\"", NamespaceIdentity, NamespaceIdentity, symbolicName)
	}
	return fmt.Sprintf("%s;filter:=\"(&(%s=%s)(version=%s))\"", NamespaceIdentity, NamespaceIdentity, symbolicName, version)
}

// BehaviourRequirement builds the capability requirement for an event type.
func BehaviourRequirement(eventType string) string {
	return fmt.Sprintf("%s;filter:=\"(consumed=%s)\"", NamespaceBehaviour, eventType)
}

// BundlesFilter turns a name->minimum version map into an identity filter.
// A single entry yields a single clause; several are or-ed together.
func BundlesFilter(bundles map[string]string) string {
	names := sortedKeys(bundles)
	clauses := make([]string, 0, len(names))
	for _, name := range names {
		v := strings.TrimSpace(bundles[name])
		if v == "" {
			clauses = append(clauses, fmt.Sprintf("(%s=%s)", NamespaceIdentity, name))
			continue
		}
		clauses = append(clauses, fmt.Sprintf("(&(%s=%s)(version>=%s))", NamespaceIdentity, name, v))
	}
	switch len(clauses) {
	case 0:
		return ""
	case 1:
		return clauses[0]
	default:
		return "(|" + strings.Join(clauses, "") + ")"
	}
}

func splitOutsideQuotes(s string, sep rune) []string {
	var parts []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case r == sep && !quoted:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}

func unquote(v string) string {
	if len(v) >= 2 && strings.HasPrefix(v, "\"") && strings.HasSuffix(v, "\"") {
		return v[1 : len(v)-1]
	}
	return v
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
