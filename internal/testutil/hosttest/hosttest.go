// Package hosttest provides a module host with injectable failures for tests.
package hosttest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/edgeinstall/internal/modhost"
)

var ErrInjected = errors.New("hosttest: injected failure")

// FaultyHost wraps a MemoryHost. Failures are keyed by symbolic name and
// fire on every matching call until cleared, or only on the next call when
// set through a *Once method.
type FaultyHost struct {
	*modhost.MemoryHost

	mu            sync.Mutex
	failInstall   map[string]int
	failStart     map[string]int
	failStop      map[string]int
	failUninstall map[string]int
	calls         []string
}

func New() *FaultyHost {
	return &FaultyHost{
		MemoryHost:    modhost.NewMemoryHost(),
		failInstall:   make(map[string]int),
		failStart:     make(map[string]int),
		failStop:      make(map[string]int),
		failUninstall: make(map[string]int),
	}
}

func (h *FaultyHost) FailInstall(symbolicName string, fail bool) {
	h.set(h.failInstall, symbolicName, fail)
}

func (h *FaultyHost) FailStart(symbolicName string, fail bool) {
	h.set(h.failStart, symbolicName, fail)
}

func (h *FaultyHost) FailStop(symbolicName string, fail bool) {
	h.set(h.failStop, symbolicName, fail)
}

func (h *FaultyHost) FailUninstall(symbolicName string, fail bool) {
	h.set(h.failUninstall, symbolicName, fail)
}

func (h *FaultyHost) FailStartOnce(symbolicName string) {
	h.once(h.failStart, symbolicName)
}

func (h *FaultyHost) FailInstallOnce(symbolicName string) {
	h.once(h.failInstall, symbolicName)
}

// Calls returns "op:symbolic_name" entries in call order.
func (h *FaultyHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *FaultyHost) Install(ctx context.Context, spec modhost.InstallSpec, content io.Reader) (modhost.Unit, error) {
	if h.check(h.failInstall, "install", spec.SymbolicName) {
		return modhost.Unit{}, ErrInjected
	}
	return h.MemoryHost.Install(ctx, spec, content)
}

func (h *FaultyHost) Start(ctx context.Context, id int64) error {
	if h.check(h.failStart, "start", h.name(ctx, id)) {
		return ErrInjected
	}
	return h.MemoryHost.Start(ctx, id)
}

func (h *FaultyHost) Stop(ctx context.Context, id int64) error {
	if h.check(h.failStop, "stop", h.name(ctx, id)) {
		return ErrInjected
	}
	return h.MemoryHost.Stop(ctx, id)
}

func (h *FaultyHost) Uninstall(ctx context.Context, id int64) error {
	if h.check(h.failUninstall, "uninstall", h.name(ctx, id)) {
		return ErrInjected
	}
	return h.MemoryHost.Uninstall(ctx, id)
}

func (h *FaultyHost) name(ctx context.Context, id int64) string {
	units, _ := h.MemoryHost.Units(ctx)
	for _, u := range units {
		if u.ID == id {
			return u.SymbolicName
		}
	}
	return ""
}

func (h *FaultyHost) set(m map[string]int, name string, fail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fail {
		m[name] = -1
		return
	}
	delete(m, name)
}

func (h *FaultyHost) once(m map[string]int, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m[name] = 1
}

func (h *FaultyHost) check(m map[string]int, op, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, op+":"+name)
	n, ok := m[name]
	if !ok {
		return false
	}
	if n > 0 {
		if n == 1 {
			delete(m, name)
		} else {
			m[name] = n - 1
		}
	}
	return true
}

// Content serves every location with its own name as the body.
type Content struct{}

func (Content) Open(_ context.Context, location string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(location)), nil
}

// Snapshot lists units as "name@version:state" in id order, for comparing
// host state before and after an operation.
func Snapshot(ctx context.Context, h modhost.Host) []string {
	units, err := h.Units(ctx)
	if err != nil {
		return []string{"error:" + err.Error()}
	}
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.SymbolicName+"@"+u.Version+":"+string(u.State))
	}
	return out
}
