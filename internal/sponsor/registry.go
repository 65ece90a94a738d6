package sponsor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/rs/zerolog/log"
)

// Artifact is one unit to install, with the metadata the host records.
type Artifact struct {
	Location     string
	SymbolicName string
	Version      string
	Fragment     bool
	Consumes     []string
}

func (a Artifact) installSpec() modhost.InstallSpec {
	return modhost.InstallSpec{
		Location:     a.Location,
		SymbolicName: a.SymbolicName,
		Version:      a.Version,
		Fragment:     a.Fragment,
		Consumes:     a.Consumes,
	}
}

// ContentSource opens artifact content by location.
type ContentSource interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Record is the sponsor set of one unit installed by this registry.
type Record struct {
	Unit     modhost.Unit `json:"unit"`
	Sponsors []Sponsor    `json:"sponsors"`
}

type record struct {
	unit     modhost.Unit
	sponsors map[Sponsor]struct{}
}

// Registry reference-counts sponsors per installed unit. Every operation
// holds one mutex for its whole duration.
type Registry struct {
	mu      sync.Mutex
	host    modhost.Host
	content ContentSource
	records map[int64]*record
}

func NewRegistry(host modhost.Host, content ContentSource) *Registry {
	return &Registry{
		host:    host,
		content: content,
		records: make(map[int64]*record),
	}
}

// AddUnits attributes every artifact to sponsor, installing the ones the host
// does not have yet, and returns only the newly installed units. A unit that
// exists but was not installed by this registry is left alone. A duplicate
// identity from the host is skipped; any other error stops processing and
// keeps what was already installed.
func (r *Registry) AddUnits(ctx context.Context, s Sponsor, artifacts []Artifact) ([]modhost.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	installed := make([]modhost.Unit, 0, len(artifacts))
	for _, a := range artifacts {
		existing, ok, err := r.host.Lookup(ctx, a.Location)
		if err != nil {
			return installed, fmt.Errorf("sponsor: lookup %s: %w", a.Location, err)
		}
		if ok {
			if rec, tracked := r.records[existing.ID]; tracked {
				rec.sponsors[s] = struct{}{}
			}
			continue
		}

		unit, err := r.install(ctx, a)
		if errors.Is(err, modhost.ErrDuplicateUnit) {
			log.Warn().
				Str("sponsor", s.String()).
				Str("location", a.Location).
				Msg("sponsor.Registry.AddUnits duplicate identity skipped")
			continue
		}
		if err != nil {
			return installed, err
		}
		r.records[unit.ID] = &record{unit: unit, sponsors: map[Sponsor]struct{}{s: {}}}
		installed = append(installed, unit)
		log.Info().
			Str("sponsor", s.String()).
			Int64("unit_id", unit.ID).
			Str("location", a.Location).
			Msg("sponsor.Registry.AddUnits installed")
	}
	return installed, nil
}

func (r *Registry) install(ctx context.Context, a Artifact) (modhost.Unit, error) {
	rc, err := r.content.Open(ctx, a.Location)
	if err != nil {
		return modhost.Unit{}, fmt.Errorf("sponsor: open %s: %w", a.Location, err)
	}
	defer rc.Close()
	unit, err := r.host.Install(ctx, a.installSpec(), rc)
	if err != nil {
		return modhost.Unit{}, fmt.Errorf("sponsor: install %s: %w", a.Location, err)
	}
	return unit, nil
}

// RemoveSponsor drops s from every record. Units left without sponsors are
// uninstalled newest first; a failing uninstall does not stop the rest and
// the failures are joined into the returned error.
func (r *Registry) RemoveSponsor(ctx context.Context, s Sponsor) ([]modhost.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orphaned := make([]modhost.Unit, 0)
	for id, rec := range r.records {
		if _, ok := rec.sponsors[s]; !ok {
			continue
		}
		delete(rec.sponsors, s)
		if len(rec.sponsors) == 0 {
			orphaned = append(orphaned, rec.unit)
			delete(r.records, id)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].ID > orphaned[j].ID })

	var errs []error
	removed := make([]modhost.Unit, 0, len(orphaned))
	for _, u := range orphaned {
		if err := r.host.Uninstall(ctx, u.ID); err != nil {
			if errors.Is(err, modhost.ErrUnitNotFound) {
				removed = append(removed, u)
				continue
			}
			log.Error().
				Err(err).
				Str("sponsor", s.String()).
				Int64("unit_id", u.ID).
				Str("symbolic_name", u.SymbolicName).
				Msg("sponsor.Registry.RemoveSponsor uninstall failed")
			errs = append(errs, fmt.Errorf("uninstall %s (%d): %w", u.SymbolicName, u.ID, err))
			continue
		}
		removed = append(removed, u)
	}
	if len(removed) > 0 {
		log.Info().Str("sponsor", s.String()).Int("units", len(removed)).Msg("sponsor.Registry.RemoveSponsor uninstalled")
	}
	return removed, errors.Join(errs...)
}

// LocationsFor lists the locations of units sponsored by s, oldest first.
func (r *Registry) LocationsFor(s Sponsor) []string {
	arts := r.ArtifactsFor(s)
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Location)
	}
	return out
}

// ArtifactsFor returns what was installed for s, oldest first, in the form
// AddUnits takes so the same units can be installed again.
func (r *Registry) ArtifactsFor(s Sponsor) []Artifact {
	units := r.recordedFor(s)
	out := make([]Artifact, 0, len(units))
	for _, u := range units {
		out = append(out, Artifact{
			Location:     u.Location,
			SymbolicName: u.SymbolicName,
			Version:      u.Version,
			Fragment:     u.Fragment,
			Consumes:     u.Consumes,
		})
	}
	return out
}

// UnitsFor lists the units sponsored by s, oldest first, with the state the
// host reports now.
func (r *Registry) UnitsFor(ctx context.Context, s Sponsor) ([]modhost.Unit, error) {
	return r.live(ctx, r.recordedFor(s))
}

func (r *Registry) recordedFor(s Sponsor) []modhost.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]modhost.Unit, 0)
	for _, rec := range r.records {
		if _, ok := rec.sponsors[s]; ok {
			out = append(out, rec.unit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// live replaces recorded unit metadata with the host's current view. A unit
// the host no longer lists keeps its recorded form.
func (r *Registry) live(ctx context.Context, units []modhost.Unit) ([]modhost.Unit, error) {
	if len(units) == 0 {
		return units, nil
	}
	current, err := r.host.Units(ctx)
	if err != nil {
		return nil, fmt.Errorf("sponsor: list units: %w", err)
	}
	byID := make(map[int64]modhost.Unit, len(current))
	for _, u := range current {
		byID[u.ID] = u
	}
	for i, u := range units {
		if now, ok := byID[u.ID]; ok {
			units[i] = now
		}
	}
	return units, nil
}

// Owners returns the sponsors of a unit, or nil when the unit is not tracked.
func (r *Registry) Owners(unitID int64) []Sponsor {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[unitID]
	if !ok {
		return nil
	}
	return sortedSponsors(rec.sponsors)
}

// AllSponsors is the union of all sponsor sets.
func (r *Registry) AllSponsors() []Sponsor {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[Sponsor]struct{})
	for _, rec := range r.records {
		for s := range rec.sponsors {
			set[s] = struct{}{}
		}
	}
	return sortedSponsors(set)
}

// Records snapshots every tracked unit and its sponsors. Unit state is read
// from the host.
func (r *Registry) Records(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	units := make([]modhost.Unit, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, Record{Unit: rec.unit, Sponsors: sortedSponsors(rec.sponsors)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Unit.ID < out[j].Unit.ID })

	for _, rec := range out {
		units = append(units, rec.Unit)
	}
	units, err := r.live(ctx, units)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Unit = units[i]
	}
	return out, nil
}

// Reconcile rescans the host after a restart. Records for units that no
// longer exist are dropped; units present on the host without a record are
// counted as foreign and stay outside sponsor management.
func (r *Registry) Reconcile(ctx context.Context) (foreign int, err error) {
	units, err := r.host.Units(ctx)
	if err != nil {
		return 0, fmt.Errorf("sponsor: reconcile: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	present := make(map[int64]modhost.Unit, len(units))
	for _, u := range units {
		present[u.ID] = u
		if _, ok := r.records[u.ID]; !ok {
			foreign++
		}
	}
	for id, rec := range r.records {
		u, ok := present[id]
		if !ok {
			log.Warn().Int64("unit_id", id).Str("symbolic_name", rec.unit.SymbolicName).Msg("sponsor.Registry.Reconcile unit vanished")
			delete(r.records, id)
			continue
		}
		rec.unit = u
	}
	log.Info().Int("units", len(units)).Int("foreign", foreign).Int("tracked", len(r.records)).Msg("sponsor.Registry.Reconcile")
	return foreign, nil
}

func sortedSponsors(set map[Sponsor]struct{}) []Sponsor {
	out := make([]Sponsor, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
