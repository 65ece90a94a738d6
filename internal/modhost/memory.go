package modhost

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// MemoryHost keeps units in process memory. Delivered events are retained per
// unit so callers can inspect what an active unit received.
type MemoryHost struct {
	mu         sync.RWMutex
	nextID     int64
	units      map[int64]Unit
	sizes      map[int64]int64
	deliveries map[int64][]Event
	now        func() time.Time
}

func NewMemoryHost() *MemoryHost {
	return &MemoryHost{
		units:      make(map[int64]Unit),
		sizes:      make(map[int64]int64),
		deliveries: make(map[int64][]Event),
		now:        time.Now,
	}
}

func (h *MemoryHost) Units(_ context.Context) ([]Unit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Unit, 0, len(h.units))
	for _, u := range h.units {
		out = append(out, cloneUnit(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *MemoryHost) Lookup(_ context.Context, location string) (Unit, bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, u := range h.units {
		if u.Location == location {
			return cloneUnit(u), true, nil
		}
	}
	return Unit{}, false, nil
}

func (h *MemoryHost) Install(ctx context.Context, spec InstallSpec, content io.Reader) (Unit, error) {
	if err := spec.Validate(); err != nil {
		return Unit{}, err
	}
	var size int64
	if content != nil {
		n, err := io.Copy(io.Discard, content)
		if err != nil {
			return Unit{}, fmt.Errorf("modhost: read content %s: %w", spec.Location, err)
		}
		size = n
	}
	if err := ctx.Err(); err != nil {
		return Unit{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.units {
		if u.Location == spec.Location {
			return Unit{}, fmt.Errorf("%w: location %s", ErrDuplicateUnit, spec.Location)
		}
		if u.SymbolicName == spec.SymbolicName && u.Version == spec.Version {
			return Unit{}, fmt.Errorf("%w: %s %s", ErrDuplicateUnit, spec.SymbolicName, spec.Version)
		}
	}
	h.nextID++
	u := Unit{
		ID:           h.nextID,
		Location:     spec.Location,
		SymbolicName: spec.SymbolicName,
		Version:      spec.Version,
		Fragment:     spec.Fragment,
		State:        StateInstalled,
		Consumes:     append([]string(nil), spec.Consumes...),
		InstalledAt:  h.now(),
	}
	h.units[u.ID] = u
	h.sizes[u.ID] = size
	return cloneUnit(u), nil
}

func (h *MemoryHost) Start(_ context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.units[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	if u.Fragment {
		return fmt.Errorf("%w: id=%d", ErrFragmentStart, id)
	}
	u.State = StateActive
	h.units[id] = u
	return nil
}

func (h *MemoryHost) Stop(_ context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.units[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	if u.State == StateActive {
		u.State = StateResolved
		h.units[id] = u
	}
	return nil
}

func (h *MemoryHost) Uninstall(_ context.Context, id int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.units[id]; !ok {
		return fmt.Errorf("%w: id=%d", ErrUnitNotFound, id)
	}
	delete(h.units, id)
	delete(h.sizes, id)
	delete(h.deliveries, id)
	return nil
}

func (h *MemoryHost) Deliver(_ context.Context, unitID int64, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	u, ok := h.units[unitID]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrUnitNotFound, unitID)
	}
	if u.State != StateActive {
		return fmt.Errorf("modhost: unit %d is %s, not active", unitID, u.State)
	}
	h.deliveries[unitID] = append(h.deliveries[unitID], event)
	return nil
}

// Deliveries returns the events handed to unitID in arrival order.
func (h *MemoryHost) Deliveries(unitID int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Event(nil), h.deliveries[unitID]...)
}
