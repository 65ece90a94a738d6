package modhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrDuplicateUnit  = errors.New("modhost: unit identity already installed")
	ErrUnitNotFound   = errors.New("modhost: unit not found")
	ErrFragmentStart  = errors.New("modhost: fragment units cannot be started")
	ErrInvalidInstall = errors.New("modhost: invalid install spec")
)

// State is the lifecycle state of an installed unit.
type State string

const (
	StateInstalled State = "installed"
	StateResolved  State = "resolved"
	StateActive    State = "active"
)

// Unit is one installed artifact as seen by the host.
type Unit struct {
	ID           int64     `json:"id"`
	Location     string    `json:"location"`
	SymbolicName string    `json:"symbolic_name"`
	Version      string    `json:"version"`
	Fragment     bool      `json:"fragment"`
	State        State     `json:"state"`
	Consumes     []string  `json:"consumes,omitempty"`
	InstalledAt  time.Time `json:"installed_at"`
}

func (u Unit) String() string {
	return fmt.Sprintf("%s:%s [%d]", u.SymbolicName, u.Version, u.ID)
}

// ConsumesEvent reports whether the unit declared eventType as consumed.
func (u Unit) ConsumesEvent(eventType string) bool {
	for _, c := range u.Consumes {
		if c == eventType {
			return true
		}
	}
	return false
}

// InstallSpec describes the unit being installed from Location.
type InstallSpec struct {
	Location     string
	SymbolicName string
	Version      string
	Fragment     bool
	Consumes     []string
}

func (s InstallSpec) Validate() error {
	if strings.TrimSpace(s.Location) == "" {
		return fmt.Errorf("%w: missing location", ErrInvalidInstall)
	}
	if strings.TrimSpace(s.SymbolicName) == "" {
		return fmt.Errorf("%w: missing symbolic name", ErrInvalidInstall)
	}
	return nil
}

// Event is one event handed to an active unit.
type Event struct {
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id"`
	SourceNode    string         `json:"source_node"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// Host is the artifact store contract. Implementations must be safe for
// concurrent use. Unit ids strictly increase in install order.
type Host interface {
	Units(ctx context.Context) ([]Unit, error)
	Lookup(ctx context.Context, location string) (Unit, bool, error)
	Install(ctx context.Context, spec InstallSpec, content io.Reader) (Unit, error)
	Start(ctx context.Context, id int64) error
	Stop(ctx context.Context, id int64) error
	Uninstall(ctx context.Context, id int64) error
}

// EventSink is implemented by hosts that can hand events to active units.
type EventSink interface {
	Deliver(ctx context.Context, unitID int64, event Event) error
}

// Consumers returns the active units declaring eventType as consumed.
func Consumers(ctx context.Context, h Host, eventType string) ([]Unit, error) {
	units, err := h.Units(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Unit, 0)
	for _, u := range units {
		if u.State == StateActive && u.ConsumesEvent(eventType) {
			out = append(out, u)
		}
	}
	return out, nil
}

func cloneUnit(u Unit) Unit {
	u.Consumes = append([]string(nil), u.Consumes...)
	return u
}
