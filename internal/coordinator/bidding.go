package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

// roundName is the install request name used for round installs.
func roundName(identity string) string {
	return "LastResort:" + identity
}

// NotifyLastResort reports an event nobody on this node consumed. It opens
// a round for the event type, or holds the event back behind the open one.
func (c *Coordinator) NotifyLastResort(eventType string, props map[string]any) {
	ev := envelope.Event{Type: eventType, Properties: cloneProps(props)}
	switch c.state.trigger(ev, c.cfg.Now()) {
	case triggerDeferred:
		log.Info().Str("identity", eventType).Msg("coordinator.Coordinator.NotifyLastResort queued pending install")
	case triggerUnconfigured:
		msg := fmt.Sprintf("event %s still not consumed after installing behaviour", eventType)
		c.alert(envelope.AlertConsumerNotConfigured, eventType, msg)
	case triggerHosted:
		log.Debug().Str("identity", eventType).Msg("coordinator.Coordinator.NotifyLastResort consumer hosted remotely")
	case triggerIgnored:
		log.Debug().Str("identity", eventType).Msg("coordinator.Coordinator.NotifyLastResort ignored blacklisted")
	case triggerOpened:
		log.Info().Str("identity", eventType).Msg("coordinator.Coordinator.NotifyLastResort round opened")
		c.enqueue(job{trigger: eventType})
	}
}

// openRound finds the behaviour that consumes identity and asks the fleet
// for bids on it.
func (c *Coordinator) openRound(ctx context.Context, identity string) {
	filter := fmt.Sprintf("(consumed=%s)", identity)
	found, err := c.resolver.FindBehaviours(ctx, c.currentIndexes(), filter)
	if err == nil && len(found) == 0 {
		err = ErrNoCandidate
	}
	if err != nil {
		cerr := &CoordinationError{Identity: identity, Err: err}
		c.state.drop(identity, StateNew)
		c.outcome(identity, OutcomeNotFound)
		c.alert(envelope.AlertConsumerNotFound, identity, cerr.Error())
		return
	}
	if len(found) > 1 {
		names := make([]string, 0, len(found))
		for _, b := range found {
			names = append(names, b.SymbolicName+":"+b.Version)
		}
		log.Warn().
			Str("identity", identity).
			Strs("candidates", names).
			Msg("coordinator.Coordinator.openRound several behaviours consume event; using first")
	}
	cand := found[0]
	if !c.state.bidding(identity, cand.SymbolicName, cand.Version, c.cfg.Now()) {
		return
	}
	log.Info().
		Str("identity", identity).
		Str("candidate", cand.SymbolicName+":"+cand.Version).
		Msg("coordinator.Coordinator.openRound bidding")
	c.send("", envelope.BidRequest{
		RequestIdentity: identity,
		SymbolicName:    cand.SymbolicName,
		Version:         cand.Version,
		Requirement:     resolver.BehaviourRequirement(identity),
		Indexes:         c.currentIndexes(),
	})
}

// handleBidRequest answers whether this node would have to install anything
// to satisfy the round's requirement.
func (c *Coordinator) handleBidRequest(ctx context.Context, env envelope.Envelope, req envelope.BidRequest) {
	resp := envelope.BidResponse{
		RequestIdentity: req.RequestIdentity,
		SymbolicName:    req.SymbolicName,
		Version:         req.Version,
	}
	resolved, err := c.resolveBid(ctx, req)
	switch {
	case err != nil:
		resp.Code = envelope.BidFail
		resp.Message = err.Error()
		log.Warn().Err(err).Str("identity", req.RequestIdentity).Msg("coordinator.Coordinator.handleBidRequest cannot bid")
	case len(resolved) == 0:
		resp.Code = envelope.BidAlreadyInstalled
	default:
		resp.Code = envelope.BidPlaced
		resp.Bid = 0
	}
	log.Debug().
		Str("identity", req.RequestIdentity).
		Str("code", string(resp.Code)).
		Int("units", len(resolved)).
		Msg("coordinator.Coordinator.handleBidRequest")
	c.reply(env, resp)
}

func (c *Coordinator) resolveBid(ctx context.Context, req envelope.BidRequest) ([]resolver.Resolved, error) {
	reqs, err := resolver.ParseRequirements([]string{req.Requirement})
	if err != nil {
		return nil, err
	}
	indexes := c.currentIndexes()
	if len(indexes) == 0 {
		indexes = req.Indexes
	}
	units, err := c.host.Units(ctx)
	if err != nil {
		return nil, err
	}
	return c.resolver.Resolve(ctx, roundName(req.RequestIdentity), indexes, reqs, units)
}

// handleBidResponse records bids and completes rounds this node opened.
func (c *Coordinator) handleBidResponse(env envelope.Envelope, resp envelope.BidResponse) {
	id := resp.RequestIdentity
	switch resp.Code {
	case envelope.BidPlaced:
		ok := c.state.addBid(id, Bid{Node: env.SourceNode, Value: resp.Bid, ReceivedAt: c.cfg.Now()})
		log.Debug().
			Str("identity", id).
			Str("from", env.SourceNode).
			Int64("bid", resp.Bid).
			Bool("recorded", ok).
			Msg("coordinator.Coordinator.handleBidResponse bid")
	case envelope.BidAlreadyInstalled:
		if n, ok := c.state.drop(id, StateBidding); ok {
			log.Warn().
				Str("identity", id).
				Str("node", env.SourceNode).
				Int("dropped_events", n).
				Msg("coordinator.Coordinator.handleBidResponse consumer already installed")
			c.outcome(id, OutcomeAlreadySatisfied)
		}
	case envelope.BidInstallOK:
		c.complete(env, resp, true)
	case envelope.BidFail:
		c.complete(env, resp, false)
	}
}

func (c *Coordinator) complete(env envelope.Envelope, resp envelope.BidResponse, ok bool) {
	id := resp.RequestIdentity
	events, found := c.state.finish(id, env.SourceNode, c.cfg.NodeID, ok)
	if !found {
		ev := log.Debug()
		if !ok {
			ev = log.Info()
		}
		ev.Str("identity", id).
			Str("from", env.SourceNode).
			Str("code", string(resp.Code)).
			Str("message", resp.Message).
			Msg("coordinator.Coordinator.complete no installing round")
		return
	}
	if !ok {
		cerr := &CoordinationError{Identity: id, Err: fmt.Errorf("install on %s failed: %s", env.SourceNode, resp.Message)}
		c.outcome(id, OutcomeFailed)
		c.alert(envelope.AlertInstallFailed, id, cerr.Error())
		return
	}
	c.outcome(id, OutcomeInstalled)
	log.Info().
		Str("identity", id).
		Str("node", env.SourceNode).
		Int("events", len(events)).
		Msg("coordinator.Coordinator.complete resending held events")
	if c.cfg.Replay == nil {
		return
	}
	for _, ev := range events {
		c.cfg.Replay(ev)
	}
}

// tick runs one aggregation pass.
func (c *Coordinator) tick() {
	picked, expired, abandoned := c.state.due(c.cfg.Now(), timeouts{
		window:  c.cfg.BidWindow,
		noBids:  c.cfg.NoBidTimeout,
		install: c.cfg.InstallTimeout,
	})
	for _, sel := range expired {
		c.outcome(sel.identity, OutcomeNoHosts)
		msg := (&CoordinationError{Identity: sel.identity, Err: fmt.Errorf("no bids within %s", c.cfg.NoBidTimeout)}).Error()
		c.alert(envelope.AlertNoHosts, sel.identity, msg)
	}
	for _, sel := range abandoned {
		c.outcome(sel.identity, OutcomeFailed)
		err := fmt.Errorf("%w: %s did not answer within %s", ErrInstallTimeout, sel.winner, c.cfg.InstallTimeout)
		c.alert(envelope.AlertInstallFailed, sel.identity, (&CoordinationError{Identity: sel.identity, Err: err}).Error())
	}
	for _, sel := range picked {
		c.outcome(sel.identity, OutcomeSelected)
		log.Info().
			Str("identity", sel.identity).
			Str("winner", sel.winner).
			Msg("coordinator.Coordinator.tick selected")
		c.send(sel.winner, envelope.InstallCommand{
			RequestIdentity: sel.identity,
			Action:          envelope.ActionInstall,
			SymbolicName:    sel.symbolicName,
			Version:         sel.version,
			Name:            roundName(sel.identity),
			Requirements:    []string{resolver.BehaviourRequirement(sel.identity)},
			Indexes:         c.currentIndexes(),
		})
	}
}

// handleInstallCommand applies a command from another coordinator through
// the local installer and answers with INSTALL_OK or FAIL.
func (c *Coordinator) handleInstallCommand(_ context.Context, env envelope.Envelope, cmd envelope.InstallCommand) {
	req := installer.Request{Action: cmd.Action, Name: cmd.Name}
	switch cmd.Action {
	case envelope.ActionInstall:
		req.Sponsor = sponsor.New(cmd.SymbolicName, cmd.Version)
		req.Requirements = cmd.Requirements
		req.Indexes = c.currentIndexes()
		if len(req.Indexes) == 0 {
			req.Indexes = cmd.Indexes
		}
	case envelope.ActionUninstall:
		req.Sponsor = sponsor.New(cmd.SymbolicName, cmd.Version)
	case envelope.ActionReset:
		n, rounds := c.state.clearBlacklist()
		log.Info().Int("entries", n).Int("rounds", rounds).Msg("coordinator.Coordinator.handleInstallCommand reset cleared blacklist")
	default:
		c.reply(env, envelope.BidResponse{
			RequestIdentity: cmd.RequestIdentity,
			Code:            envelope.BidFail,
			Message:         fmt.Sprintf("unsupported action %s", cmd.Action),
		})
		return
	}
	log.Info().
		Str("identity", cmd.RequestIdentity).
		Str("action", string(cmd.Action)).
		Str("sponsor", req.Sponsor.String()).
		Str("requester", env.SourceNode).
		Msg("coordinator.Coordinator.handleInstallCommand")

	// Each command gets its own sink, so two requesters asking for the same
	// identity are both answered.
	c.installer.Submit(req, func(resp installer.Response) {
		out := envelope.BidResponse{
			RequestIdentity: cmd.RequestIdentity,
			SymbolicName:    cmd.SymbolicName,
			Version:         cmd.Version,
			Code:            envelope.BidInstallOK,
			Message:         strings.Join(resp.Messages, "; "),
		}
		if resp.Code != envelope.CodeSuccess {
			out.Code = envelope.BidFail
			log.Warn().
				Str("identity", cmd.RequestIdentity).
				Str("code", string(resp.Code)).
				Strs("messages", resp.Messages).
				Msg("coordinator.Coordinator.handleInstallCommand install failed")
		} else if cmd.Action == envelope.ActionInstall {
			c.state.installedFor(req.Sponsor, cmd.RequestIdentity)
		}
		c.reply(env, out)
	})
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
