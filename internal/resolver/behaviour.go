package resolver

import (
	"context"
	"fmt"
	"strings"
)

// Behaviour describes an installable event consumer advertised by an index.
type Behaviour struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	Author       string `json:"author"`
	Consumed     string `json:"consumed"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version"`
}

// FindBehaviours lists behaviour capabilities matching ldapFilter. An empty
// filter lists every behaviour.
func (r *Resolver) FindBehaviours(ctx context.Context, indexes []string, ldapFilter string) ([]Behaviour, error) {
	var f *Filter
	if strings.TrimSpace(ldapFilter) != "" {
		parsed, err := ParseFilter(ldapFilter)
		if err != nil {
			return nil, err
		}
		f = parsed
	}
	resources, err := r.loader.Load(ctx, indexes)
	if err != nil {
		return nil, err
	}
	out := make([]Behaviour, 0)
	for _, res := range resources {
		for _, c := range res.Capabilities {
			if c.Namespace != NamespaceBehaviour {
				continue
			}
			if f != nil && !f.Matches(c.Attributes) {
				continue
			}
			out = append(out, Behaviour{
				Name:         attrString(c.Attributes, "name"),
				Description:  attrString(c.Attributes, "description"),
				Author:       attrString(c.Attributes, "author"),
				Consumed:     attrString(c.Attributes, "consumed"),
				SymbolicName: res.Identity,
				Version:      res.Version,
			})
		}
	}
	return out, nil
}

func attrString(attrs map[string]any, name string) string {
	v, ok := lookupAttr(attrs, name)
	if !ok {
		return ""
	}
	return strings.Join(flattenValue(v), ",")
}

// String renders the behaviour the way operators refer to it.
func (b Behaviour) String() string {
	return fmt.Sprintf("%s (%s:%s) consumes=%s", b.Name, b.SymbolicName, b.Version, b.Consumed)
}
