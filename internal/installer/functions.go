package installer

import (
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
)

// InstallFunction installs the artifact named by s. With no requirements
// the artifact's own identity is required.
func (o *Orchestrator) InstallFunction(s sponsor.Sponsor, indexes, requirements []string) *Pending {
	if len(requirements) == 0 && !s.IsZero() {
		requirements = []string{resolver.IdentityRequirement(s.Name, s.Version)}
	}
	return o.Submit(Request{
		Action:       envelope.ActionInstall,
		Sponsor:      s,
		Indexes:      indexes,
		Requirements: requirements,
	}, nil)
}

// UpdateFunction replaces old with s. A zero old means the active sponsor
// for s.Name.
func (o *Orchestrator) UpdateFunction(old, s sponsor.Sponsor, indexes, requirements []string) *Pending {
	if len(requirements) == 0 && !s.IsZero() {
		requirements = []string{resolver.IdentityRequirement(s.Name, s.Version)}
	}
	return o.Submit(Request{
		Action:       envelope.ActionUpdate,
		Sponsor:      s,
		OldSponsor:   old,
		Indexes:      indexes,
		Requirements: requirements,
	}, nil)
}

func (o *Orchestrator) UninstallFunction(s sponsor.Sponsor) *Pending {
	return o.Submit(Request{Action: envelope.ActionUninstall, Sponsor: s}, nil)
}

func (o *Orchestrator) ResetNode() *Pending {
	return o.Submit(Request{Action: envelope.ActionReset}, nil)
}

// ListInstalledFunctions maps each active symbolic name to its version.
func (o *Orchestrator) ListInstalledFunctions() map[string]string {
	o.activeMu.RLock()
	defer o.activeMu.RUnlock()
	out := make(map[string]string, len(o.active))
	for name, s := range o.active {
		out[name] = s.Version
	}
	return out
}
