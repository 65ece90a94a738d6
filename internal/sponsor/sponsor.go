// Package sponsor tracks which requests ("sponsors") keep each installed unit
// alive. A unit is uninstalled only when its last sponsor is removed, and
// units this process did not install are never touched.
package sponsor

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSponsor = errors.New("sponsor: invalid sponsor")

// Sponsor identifies the install request that owns a set of units.
type Sponsor struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// New normalizes an empty version to "0".
func New(name, version string) Sponsor {
	version = strings.TrimSpace(version)
	if version == "" {
		version = "0"
	}
	return Sponsor{Name: strings.TrimSpace(name), Version: version}
}

// Parse reads the name:version form produced by String.
func Parse(raw string) (Sponsor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Sponsor{}, fmt.Errorf("%w: empty", ErrInvalidSponsor)
	}
	name, version, _ := strings.Cut(raw, ":")
	if strings.TrimSpace(name) == "" {
		return Sponsor{}, fmt.Errorf("%w: missing name in %q", ErrInvalidSponsor, raw)
	}
	return New(name, version), nil
}

func (s Sponsor) IsZero() bool {
	return s.Name == ""
}

func (s Sponsor) String() string {
	if s.IsZero() {
		return ""
	}
	return s.Name + ":" + s.Version
}

func (s Sponsor) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Sponsor) UnmarshalText(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		*s = Sponsor{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
