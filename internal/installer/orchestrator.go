package installer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

const stoppedMessage = "installer stopped"

// Resolver turns requirements into the units that must be installed.
// Units in installed count as already present.
type Resolver interface {
	Resolve(ctx context.Context, name string, indexes []string, reqs []resolver.Requirement, installed []modhost.Unit) ([]resolver.Resolved, error)
}

type Config struct {
	// StopTimeout bounds how long Stop waits for the current request.
	StopTimeout time.Duration
	// OnFatal receives every RollbackError.
	OnFatal func(error)
	// OnUninstalled receives sponsors whose units were removed.
	OnUninstalled func([]sponsor.Sponsor)
	// OnResponse observes every answered request.
	OnResponse func(Request, Response, time.Duration)
	// OnRollback observes every rollback replay and its error, if any.
	OnRollback func(error)
}

func DefaultConfig() Config {
	return Config{StopTimeout: 2 * time.Second}
}

type job struct {
	req      Request
	sink     Sink
	pending  *Pending
	queuedAt time.Time
}

// Status is a point-in-time view of the worker.
type Status struct {
	Running   bool     `json:"running"`
	Degraded  bool     `json:"degraded"`
	Queued    int      `json:"queued"`
	Phase     Phase    `json:"phase,omitempty"`
	Current   *Request `json:"current,omitempty"`
	Processed uint64   `json:"processed"`
}

// Orchestrator is the per-node install worker.
type Orchestrator struct {
	cfg      Config
	host     modhost.Host
	registry *sponsor.Registry
	resolver Resolver

	mu       sync.Mutex
	queue    []job
	running  bool
	stopping bool
	current  *Request
	phase    Phase
	wake     chan struct{}
	done     chan struct{}

	activeMu sync.RWMutex
	active   map[string]sponsor.Sponsor

	processed atomic.Uint64
	degraded  atomic.Bool
}

func New(host modhost.Host, registry *sponsor.Registry, r Resolver, cfg Config) *Orchestrator {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	return &Orchestrator{
		cfg:      cfg,
		host:     host,
		registry: registry,
		resolver: r,
		wake:     make(chan struct{}, 1),
		active:   make(map[string]sponsor.Sponsor),
	}
}

// Start launches the worker. Requests submitted before Start wait for it.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	if o.done != nil {
		select {
		case <-o.done:
		default:
			log.Error().Msg("installer.Orchestrator.Start previous worker still running")
			return
		}
	}
	o.running = true
	o.stopping = false
	o.done = make(chan struct{})
	go o.run(o.done)
	o.signal()
	log.Info().Int("queued", len(o.queue)).Msg("installer.Orchestrator.Start")
}

// Stop lets the current request finish, waits up to StopTimeout, and
// answers everything still queued with FAIL.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.stopping = true
		o.mu.Unlock()
		o.failQueued()
		return nil
	}
	o.stopping = true
	done := o.done
	o.mu.Unlock()
	o.signal()

	var err error
	select {
	case <-done:
	case <-time.After(o.cfg.StopTimeout):
		o.mu.Lock()
		cur := o.current
		o.mu.Unlock()
		ev := log.Error().Dur("timeout", o.cfg.StopTimeout)
		if cur != nil {
			ev = ev.Str("action", string(cur.Action)).Str("sponsor", cur.Sponsor.String())
		}
		ev.Msg("installer.Orchestrator.Stop worker stuck in request")
		err = fmt.Errorf("installer: worker did not stop within %s", o.cfg.StopTimeout)
	}
	o.failQueued()
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	log.Info().Msg("installer.Orchestrator.Stop")
	return err
}

func (o *Orchestrator) failQueued() {
	o.mu.Lock()
	pending := o.queue
	o.queue = nil
	o.mu.Unlock()
	for _, j := range pending {
		o.complete(j, respond(j.req, envelope.CodeFail, stoppedMessage))
	}
	if len(pending) > 0 {
		log.Warn().Int("requests", len(pending)).Msg("installer.Orchestrator.Stop failed queued requests")
	}
}

// Submit queues req. The returned future and sink both see the response.
func (o *Orchestrator) Submit(req Request, sink Sink) *Pending {
	j := job{req: req, sink: sink, pending: newPending(), queuedAt: time.Now()}
	o.mu.Lock()
	if o.stopping {
		o.mu.Unlock()
		o.complete(j, respond(req, envelope.CodeFail, stoppedMessage))
		return j.pending
	}
	o.queue = append(o.queue, j)
	depth := len(o.queue)
	o.mu.Unlock()
	o.signal()
	log.Debug().
		Str("action", string(req.Action)).
		Str("sponsor", req.Sponsor.String()).
		Int("depth", depth).
		Msg("installer.Orchestrator.Submit queued")
	return j.pending
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run(done chan struct{}) {
	defer close(done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.stopping {
			o.mu.Unlock()
			<-o.wake
			o.mu.Lock()
		}
		if o.stopping {
			o.mu.Unlock()
			return
		}
		j := o.queue[0]
		o.queue = o.queue[1:]
		o.current = &j.req
		o.phase = PhaseQueued
		o.mu.Unlock()

		resp := o.process(context.Background(), j.req)
		o.setPhase(PhaseResponded)
		o.complete(j, resp)
		o.processed.Add(1)

		o.mu.Lock()
		o.current = nil
		o.phase = ""
		o.mu.Unlock()
	}
}

func (o *Orchestrator) complete(j job, resp Response) {
	elapsed := time.Since(j.queuedAt)
	if o.cfg.OnResponse != nil {
		o.cfg.OnResponse(j.req, resp, elapsed)
	}
	go func() {
		j.pending.resolve(resp)
		if j.sink != nil {
			j.sink(resp)
		}
	}()
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		Running:   o.running && !o.stopping,
		Degraded:  o.degraded.Load(),
		Queued:    len(o.queue),
		Phase:     o.phase,
		Processed: o.processed.Load(),
	}
	if o.current != nil {
		cur := *o.current
		st.Current = &cur
	}
	return st
}

// Degraded reports whether a rollback has ever failed. Host state is not
// trusted once set.
func (o *Orchestrator) Degraded() bool {
	return o.degraded.Load()
}

func (o *Orchestrator) fatal(err *RollbackError) {
	o.degraded.Store(true)
	log.Error().
		AnErr("cause", err.Cause).
		AnErr("rollback", err.Rollback).
		Msg("installer.Orchestrator rollback failed; host state unknown")
	if o.cfg.OnFatal != nil {
		o.cfg.OnFatal(err)
	}
}

func (o *Orchestrator) uninstalled(sponsors ...sponsor.Sponsor) {
	if o.cfg.OnUninstalled != nil && len(sponsors) > 0 {
		o.cfg.OnUninstalled(sponsors)
	}
}

// ActiveSponsors lists the active sponsor of every symbolic name.
func (o *Orchestrator) ActiveSponsors() []sponsor.Sponsor {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	out := make([]sponsor.Sponsor, 0, len(o.active))
	for _, s := range o.active {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (o *Orchestrator) activeFor(name string) (sponsor.Sponsor, bool) {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	s, ok := o.active[name]
	return s, ok
}

// swapActive applies set and clear to the table and returns a func that
// restores the entries it touched.
func (o *Orchestrator) swapActive(set sponsor.Sponsor, clear ...string) func() {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	saved := make(map[string]*sponsor.Sponsor)
	touch := func(name string) {
		if _, done := saved[name]; done {
			return
		}
		if cur, ok := o.active[name]; ok {
			saved[name] = &cur
			return
		}
		saved[name] = nil
	}
	for _, name := range clear {
		touch(name)
		delete(o.active, name)
	}
	if !set.IsZero() {
		touch(set.Name)
		o.active[set.Name] = set
	}
	return func() {
		o.activeMu.Lock()
		defer o.activeMu.Unlock()
		for name, prev := range saved {
			if prev == nil {
				delete(o.active, name)
				continue
			}
			o.active[name] = *prev
		}
	}
}

// baseline lists host units the registry does not manage. Resolution
// treats them as present; units installed by sponsors are resolved again so
// a new sponsor can share them.
func (o *Orchestrator) baseline(ctx context.Context) ([]modhost.Unit, error) {
	units, err := o.host.Units(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]modhost.Unit, 0, len(units))
	for _, u := range units {
		if o.registry.Owners(u.ID) == nil {
			out = append(out, u)
		}
	}
	return out, nil
}

func (o *Orchestrator) startUnits(ctx context.Context, units []modhost.Unit) error {
	for _, u := range units {
		if u.Fragment {
			continue
		}
		if err := o.host.Start(ctx, u.ID); err != nil {
			return fmt.Errorf("start %s: %w", u, err)
		}
	}
	return nil
}

func (o *Orchestrator) addAndStart(ctx context.Context, s sponsor.Sponsor, artifacts []sponsor.Artifact) ([]modhost.Unit, error) {
	installed, err := o.registry.AddUnits(ctx, s, artifacts)
	if err != nil {
		return installed, err
	}
	return installed, o.startUnits(ctx, installed)
}

func artifactsFrom(resolved []resolver.Resolved) []sponsor.Artifact {
	out := make([]sponsor.Artifact, 0, len(resolved))
	for _, r := range resolved {
		out = append(out, sponsor.Artifact{
			Location:     r.Location,
			SymbolicName: r.Resource.Identity,
			Version:      r.Resource.Version,
			Fragment:     r.Resource.Fragment,
			Consumes:     r.Resource.Consumes(),
		})
	}
	return out
}

func describe(units []modhost.Unit) []string {
	out := make([]string, 0, len(units))
	for _, u := range units {
		out = append(out, u.String())
	}
	return out
}

func errorMessages(err error) []string {
	return strings.Split(err.Error(), "\n")
}
