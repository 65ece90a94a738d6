package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/rs/zerolog/log"
)

var ErrUnresolvable = errors.New("resolver: requirement cannot be satisfied")

// Resolved pairs a resource with the location it will be installed from.
type Resolved struct {
	Resource Resource `json:"resource"`
	Location string   `json:"location"`
}

// Resolver computes install sets from repository indexes.
type Resolver struct {
	loader *IndexLoader
}

func New(fetcher Fetcher) *Resolver {
	return &Resolver{loader: NewIndexLoader(fetcher)}
}

// Invalidate drops cached index documents.
func (r *Resolver) Invalidate() {
	r.loader.Invalidate()
}

// Resolve returns the resources that must be installed so that every
// requirement is satisfied, dependencies before dependents. Requirements
// already met by installed units contribute nothing.
func (r *Resolver) Resolve(
	ctx context.Context,
	name string,
	indexes []string,
	requirements []Requirement,
	installed []modhost.Unit,
) ([]Resolved, error) {
	candidates, err := r.loader.Load(ctx, indexes)
	if err != nil {
		return nil, err
	}
	s := &resolution{
		name:       name,
		candidates: candidates,
		installed:  installedResources(installed, candidates),
		chosen:     make(map[string]bool),
		out:        make([]Resolved, 0),
	}
	for _, req := range requirements {
		if err := s.satisfy(req, nil); err != nil {
			return nil, err
		}
	}
	log.Debug().
		Str("name", name).
		Int("requirements", len(requirements)).
		Int("resolved", len(s.out)).
		Msg("resolver.Resolver.Resolve")
	return s.out, nil
}

// Match returns every index resource providing req, best version first.
func (r *Resolver) Match(ctx context.Context, indexes []string, req Requirement) ([]Resource, error) {
	candidates, err := r.loader.Load(ctx, indexes)
	if err != nil {
		return nil, err
	}
	return providers(candidates, req), nil
}

type resolution struct {
	name       string
	candidates []Resource
	installed  []Resource
	chosen     map[string]bool
	out        []Resolved
}

func (s *resolution) satisfy(req Requirement, from *Resource) error {
	for _, res := range s.installed {
		if res.Provides(req) {
			return nil
		}
	}
	for _, res := range s.candidates {
		if s.chosen[res.Key()] && res.Provides(req) {
			return nil
		}
	}

	matches := providers(s.candidates, req)
	if len(matches) == 0 {
		if req.Optional() {
			return nil
		}
		if from != nil {
			return fmt.Errorf("%w: %s (required by %s)", ErrUnresolvable, req, from.Key())
		}
		return fmt.Errorf("%w: %s", ErrUnresolvable, req)
	}
	pick := matches[0]
	s.chosen[pick.Key()] = true
	for _, dep := range pick.Requirements {
		if err := s.satisfy(dep, &pick); err != nil {
			return err
		}
	}
	s.out = append(s.out, Resolved{Resource: pick, Location: pick.Location()})
	return nil
}

// providers keeps index order among equal versions and puts higher versions first.
func providers(candidates []Resource, req Requirement) []Resource {
	out := make([]Resource, 0)
	for _, res := range candidates {
		if res.Provides(req) {
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareVersions(out[i].Version, out[j].Version) > 0
	})
	return out
}

// installedResources describes installed units with the richest metadata
// available: the index entry for the same identity and version when one
// exists, otherwise identity and behaviour capabilities built from the unit.
func installedResources(units []modhost.Unit, candidates []Resource) []Resource {
	byKey := make(map[string]Resource, len(candidates))
	for _, c := range candidates {
		if _, ok := byKey[c.Key()]; !ok {
			byKey[c.Key()] = c
		}
	}
	out := make([]Resource, 0, len(units))
	for _, u := range units {
		key := u.SymbolicName + "@" + u.Version
		if res, ok := byKey[key]; ok {
			out = append(out, res)
			continue
		}
		res := Resource{
			Identity:     u.SymbolicName,
			Version:      u.Version,
			Fragment:     u.Fragment,
			Content:      []string{u.Location},
			Capabilities: []Capability{identityCapability(u.SymbolicName, u.Version, u.Fragment)},
		}
		if len(u.Consumes) > 0 {
			res.Capabilities = append(res.Capabilities, Capability{
				Namespace:  NamespaceBehaviour,
				Attributes: map[string]any{"consumed": append([]string(nil), u.Consumes...)},
			})
		}
		out = append(out, res)
	}
	return out
}
