package installer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

// plan is a validated request.
type plan struct {
	sponsor sponsor.Sponsor
	old     sponsor.Sponsor
	name    string
	reqs    []resolver.Requirement
}

func (o *Orchestrator) process(ctx context.Context, req Request) Response {
	p, err := o.validate(req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", string(req.Action)).
			Str("sponsor", req.Sponsor.String()).
			Msg("installer.Orchestrator bad request")
		return respond(req, envelope.CodeBadRequest, err.Error())
	}
	o.setPhase(PhaseValidated)

	switch req.Action {
	case envelope.ActionUninstall:
		return o.uninstall(ctx, req, p)
	case envelope.ActionReset:
		return o.reset(ctx, req)
	default:
		return o.install(ctx, req, p)
	}
}

func (o *Orchestrator) validate(req Request) (plan, error) {
	if !req.Action.Valid() {
		return plan{}, invalid("unknown action %q", req.Action)
	}
	switch req.Action {
	case envelope.ActionReset:
		return plan{}, nil
	case envelope.ActionUninstall:
		if strings.TrimSpace(req.Sponsor.Name) == "" {
			return plan{}, invalid("missing sponsor")
		}
		s := req.Sponsor
		if strings.TrimSpace(s.Version) == "" {
			active, ok := o.activeFor(s.Name)
			if !ok {
				return plan{}, invalid("no installed sponsor to uninstall for %s", s.Name)
			}
			s = active
		}
		return plan{sponsor: s}, nil
	}

	if req.Sponsor.IsZero() {
		return plan{}, invalid("missing sponsor")
	}
	if len(req.Indexes) == 0 {
		return plan{}, invalid("no repository indexes in request")
	}
	reqs, err := resolver.ParseRequirements(req.Requirements)
	if err != nil {
		return plan{}, invalid("%v", err)
	}
	if len(reqs) == 0 {
		return plan{}, invalid("no requirements in request")
	}
	p := plan{
		sponsor: sponsor.New(req.Sponsor.Name, req.Sponsor.Version),
		name:    strings.TrimSpace(req.Name),
		reqs:    reqs,
	}
	if p.name == "" {
		p.name = p.sponsor.Name
	}
	if req.Action == envelope.ActionUpdate {
		p.old = req.OldSponsor
		if p.old.IsZero() {
			active, ok := o.activeFor(p.sponsor.Name)
			if !ok {
				return plan{}, invalid("no installed sponsor to update for %s", p.sponsor.Name)
			}
			p.old = active
		}
		p.old = sponsor.New(p.old.Name, p.old.Version)
		if p.old == p.sponsor {
			return plan{}, invalid("update of %s to itself", p.sponsor)
		}
	}
	return p, nil
}

func (o *Orchestrator) install(ctx context.Context, req Request, p plan) Response {
	update := req.Action == envelope.ActionUpdate
	if !update {
		if cur, ok := o.activeFor(p.sponsor.Name); ok && cur == p.sponsor {
			return respond(req, envelope.CodeSuccess, p.sponsor.String()+" is already installed")
		}
	}

	present, err := o.baseline(ctx)
	if err != nil {
		rerr := &ResolutionError{Name: p.name, Err: err}
		return respond(req, envelope.CodeFail, rerr.Error())
	}
	resolved, err := o.resolver.Resolve(ctx, p.name, req.Indexes, p.reqs, present)
	if err != nil {
		rerr := &ResolutionError{Name: p.name, Err: err}
		log.Warn().Err(err).Str("sponsor", p.sponsor.String()).Msg("installer.Orchestrator resolve failed")
		return respond(req, envelope.CodeFail, rerr.Error())
	}
	o.setPhase(PhaseResolved)
	if len(resolved) == 0 {
		return respond(req, envelope.CodeSuccess, p.name+": requirements already satisfied")
	}
	artifacts := artifactsFrom(resolved)

	o.setPhase(PhaseApplying)
	var stack rollbackStack
	var (
		installed []modhost.Unit
		notes     []string
	)
	if update {
		installed, notes, err = o.applyUpdate(ctx, &stack, p, artifacts)
	} else {
		installed, notes, err = o.applyInstall(ctx, &stack, p, artifacts)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", string(req.Action)).
			Str("sponsor", p.sponsor.String()).
			Int("rollback_steps", stack.len()).
			Msg("installer.Orchestrator apply failed; rolling back")
		rbErr := stack.replay(ctx)
		if o.cfg.OnRollback != nil {
			o.cfg.OnRollback(rbErr)
		}
		if rbErr != nil {
			fatal := &RollbackError{Cause: err, Rollback: rbErr}
			o.fatal(fatal)
			return respond(req, envelope.CodeFail, errorMessages(fatal)...)
		}
		o.setPhase(PhaseRolledBack)
		return respond(req, envelope.CodeFail, errorMessages(err)...)
	}
	o.setPhase(PhaseCommitted)
	log.Info().
		Str("action", string(req.Action)).
		Str("sponsor", p.sponsor.String()).
		Int("resolved", len(resolved)).
		Int("installed", len(installed)).
		Msg("installer.Orchestrator committed")
	return respond(req, envelope.CodeSuccess, append(describe(installed), notes...)...)
}

// applyInstall detaches a different active sponsor of the same symbolic
// name, then installs and starts the new units.
func (o *Orchestrator) applyInstall(ctx context.Context, stack *rollbackStack, p plan, artifacts []sponsor.Artifact) ([]modhost.Unit, []string, error) {
	prev, hadPrev := o.activeFor(p.sponsor.Name)
	restore := o.swapActive(p.sponsor)
	stack.push("restore active sponsor", func(context.Context) error {
		restore()
		return nil
	})

	var detached []sponsor.Sponsor
	if hadPrev && prev != p.sponsor {
		prevArtifacts := o.registry.ArtifactsFor(prev)
		stack.push("reinstall "+prev.String(), func(ctx context.Context) error {
			_, err := o.addAndStart(ctx, prev, prevArtifacts)
			return err
		})
		if _, err := o.registry.RemoveSponsor(ctx, prev); err != nil {
			return nil, nil, &ApplyError{Step: "uninstall " + prev.String(), Err: err}
		}
		detached = append(detached, prev)
	}

	stack.push("uninstall "+p.sponsor.String(), func(ctx context.Context) error {
		_, err := o.registry.RemoveSponsor(ctx, p.sponsor)
		return err
	})
	installed, err := o.registry.AddUnits(ctx, p.sponsor, artifacts)
	if err != nil {
		return nil, nil, &ApplyError{Step: "install " + p.sponsor.String(), Err: err}
	}
	if err := o.startUnits(ctx, installed); err != nil {
		return nil, nil, &ApplyError{Step: "start " + p.sponsor.String(), Err: err}
	}
	stack.clear()
	o.uninstalled(detached...)
	return installed, nil, nil
}

// applyUpdate moves the units of p.old to p.sponsor. Units shared by both
// stay installed; the old sponsor is released only after the new one runs.
func (o *Orchestrator) applyUpdate(ctx context.Context, stack *rollbackStack, p plan, artifacts []sponsor.Artifact) ([]modhost.Unit, []string, error) {
	var stopped []modhost.Unit
	stack.push("restart "+p.old.String(), func(ctx context.Context) error {
		for _, u := range stopped {
			if err := o.host.Start(ctx, u.ID); err != nil && !errors.Is(err, modhost.ErrUnitNotFound) {
				return fmt.Errorf("start %s: %w", u, err)
			}
		}
		return nil
	})
	exclusive, err := o.exclusiveUnits(ctx, p.old)
	if err != nil {
		return nil, nil, &ApplyError{Step: "list " + p.old.String(), Err: err}
	}
	for _, u := range exclusive {
		if u.State != modhost.StateActive {
			continue
		}
		if err := o.host.Stop(ctx, u.ID); err != nil {
			return nil, nil, &ApplyError{Step: "stop " + u.String(), Err: err}
		}
		stopped = append(stopped, u)
	}

	restore := o.swapActive(p.sponsor, p.old.Name)
	stack.push("restore active sponsors", func(context.Context) error {
		restore()
		return nil
	})

	stack.push("uninstall "+p.sponsor.String(), func(ctx context.Context) error {
		_, err := o.registry.RemoveSponsor(ctx, p.sponsor)
		return err
	})
	installed, err := o.addAndStart(ctx, p.sponsor, artifacts)
	if err != nil {
		return nil, nil, &ApplyError{Step: "install " + p.sponsor.String(), Err: err}
	}

	for _, a := range artifacts {
		u, ok, err := o.host.Lookup(ctx, a.Location)
		if err != nil {
			return nil, nil, &ApplyError{Step: "lookup " + a.Location, Err: err}
		}
		if !ok || u.Fragment {
			continue
		}
		if u.State == modhost.StateInstalled || u.State == modhost.StateResolved {
			log.Debug().Str("unit", u.String()).Msg("installer.Orchestrator.applyUpdate restart shared unit")
			if err := o.host.Start(ctx, u.ID); err != nil {
				return nil, nil, &ApplyError{Step: "restart " + u.String(), Err: err}
			}
		}
	}

	stack.clear()
	var notes []string
	if _, err := o.registry.RemoveSponsor(ctx, p.old); err != nil {
		log.Error().Err(err).Str("sponsor", p.old.String()).Msg("installer.Orchestrator.applyUpdate release old sponsor")
		notes = append(notes, "release "+p.old.String()+": "+err.Error())
	}
	o.uninstalled(p.old)
	return installed, notes, nil
}

// exclusiveUnits lists units whose only sponsor is s, in their current
// host state.
func (o *Orchestrator) exclusiveUnits(ctx context.Context, s sponsor.Sponsor) ([]modhost.Unit, error) {
	units, err := o.registry.UnitsFor(ctx, s)
	if err != nil {
		return nil, err
	}
	out := make([]modhost.Unit, 0, len(units))
	for _, u := range units {
		owners := o.registry.Owners(u.ID)
		if len(owners) == 1 && owners[0] == s {
			out = append(out, u)
		}
	}
	return out, nil
}

func (o *Orchestrator) uninstall(ctx context.Context, req Request, p plan) Response {
	o.setPhase(PhaseApplying)
	removed, err := o.registry.RemoveSponsor(ctx, p.sponsor)
	if cur, ok := o.activeFor(p.sponsor.Name); ok && cur == p.sponsor {
		o.swapActive(sponsor.Sponsor{}, p.sponsor.Name)
	}
	o.uninstalled(p.sponsor)
	o.setPhase(PhaseCommitted)
	log.Info().Str("sponsor", p.sponsor.String()).Int("uninstalled", len(removed)).Msg("installer.Orchestrator uninstalled")
	return respond(req, envelope.CodeSuccess, teardownMessages(removed, err)...)
}

func (o *Orchestrator) reset(ctx context.Context, req Request) Response {
	o.setPhase(PhaseApplying)
	seen := make(map[sponsor.Sponsor]struct{})
	sponsors := make([]sponsor.Sponsor, 0)
	for _, s := range append(o.registry.AllSponsors(), o.ActiveSponsors()...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		sponsors = append(sponsors, s)
	}

	var errs []error
	removed := make([]modhost.Unit, 0)
	for _, s := range sponsors {
		units, err := o.registry.RemoveSponsor(ctx, s)
		removed = append(removed, units...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	o.activeMu.Lock()
	o.active = make(map[string]sponsor.Sponsor)
	o.activeMu.Unlock()
	o.uninstalled(sponsors...)

	o.setPhase(PhaseCommitted)
	log.Info().Int("sponsors", len(sponsors)).Int("uninstalled", len(removed)).Msg("installer.Orchestrator reset")
	return respond(req, envelope.CodeSuccess, teardownMessages(removed, errors.Join(errs...))...)
}

// teardownMessages lists removed units, then any units the host failed to
// remove. Teardown is best effort, so failures do not change the code.
func teardownMessages(removed []modhost.Unit, err error) []string {
	out := describe(removed)
	if err != nil {
		out = append(out, errorMessages(err)...)
	}
	return out
}
