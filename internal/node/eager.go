package node

import (
	"context"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/rs/zerolog/log"
)

// eagerInstall queues an install for every configured sponsor the host
// does not already carry. It does not wait for the results.
func eagerInstall(ctx context.Context, h modhost.Host, orch *installer.Orchestrator, cfg Config) []sponsor.Sponsor {
	wanted, err := cfg.eagerSponsors()
	if err != nil || len(wanted) == 0 {
		return nil
	}
	units, err := h.Units(ctx)
	if err != nil {
		log.Error().Err(err).Msg("node.eagerInstall units")
		return nil
	}
	present := make(map[sponsor.Sponsor]struct{}, len(units))
	for _, u := range units {
		present[sponsor.New(u.SymbolicName, u.Version)] = struct{}{}
	}

	queued := make([]sponsor.Sponsor, 0, len(wanted))
	for _, s := range wanted {
		if _, ok := present[s]; ok {
			log.Debug().Stringer("sponsor", s).Msg("node.eagerInstall already present")
			continue
		}
		req := installer.Request{
			Action:       envelope.ActionInstall,
			Sponsor:      s,
			Name:         "EagerInstall:" + s.String(),
			Indexes:      cfg.Indexes,
			Requirements: []string{resolver.IdentityRequirement(s.Name, s.Version)},
		}
		orch.Submit(req, func(resp installer.Response) {
			ev := log.Info()
			if resp.Code != envelope.CodeSuccess {
				ev = log.Warn()
			}
			ev.Stringer("sponsor", resp.Request.Sponsor).
				Str("code", string(resp.Code)).
				Strs("messages", resp.Messages).
				Msg("node.eagerInstall")
		})
		queued = append(queued, s)
	}
	return queued
}
