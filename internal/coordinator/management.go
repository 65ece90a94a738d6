package coordinator

import (
	"context"
	"strings"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/rs/zerolog/log"
)

// FindBehaviours lists behaviours on the configured indexes matching the
// LDAP filter. An empty filter lists all of them.
func (c *Coordinator) FindBehaviours(ctx context.Context, filter string) ([]resolver.Behaviour, error) {
	return c.resolver.FindBehaviours(ctx, c.currentIndexes(), filter)
}

// InstallBehaviour asks target to install b outside of any round.
func (c *Coordinator) InstallBehaviour(ctx context.Context, b resolver.Behaviour, target string) (string, error) {
	name := b.Name
	if strings.TrimSpace(name) == "" {
		name = b.SymbolicName
	}
	return c.command(ctx, target, envelope.InstallCommand{
		RequestIdentity: "install:" + b.SymbolicName + ":" + b.Version,
		Action:          envelope.ActionInstall,
		SymbolicName:    b.SymbolicName,
		Version:         b.Version,
		Name:            "ManualInstall: " + name,
		Requirements:    []string{resolver.IdentityRequirement(b.SymbolicName, b.Version)},
		Indexes:         c.currentIndexes(),
	})
}

func (c *Coordinator) UninstallBehaviour(ctx context.Context, b resolver.Behaviour, target string) (string, error) {
	return c.command(ctx, target, envelope.InstallCommand{
		RequestIdentity: "uninstall:" + b.SymbolicName + ":" + b.Version,
		Action:          envelope.ActionUninstall,
		SymbolicName:    b.SymbolicName,
		Version:         b.Version,
	})
}

// ResetNode asks target to remove everything its installer manages and to
// forget its blacklist.
func (c *Coordinator) ResetNode(ctx context.Context, target string) (string, error) {
	return c.command(ctx, target, envelope.InstallCommand{
		RequestIdentity: "reset:" + target,
		Action:          envelope.ActionReset,
	})
}

// command sends cmd to target and returns the envelope's correlation id.
func (c *Coordinator) command(ctx context.Context, target string, cmd envelope.InstallCommand) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", ErrMissingTarget
	}
	env := envelope.New(c.cfg.NodeID, target, cmd)
	if err := env.Validate(); err != nil {
		return "", err
	}
	if err := c.bus.Publish(ctx, env); err != nil {
		return "", err
	}
	log.Info().
		Str("target", target).
		Str("action", string(cmd.Action)).
		Str("identity", cmd.RequestIdentity).
		Msg("coordinator.Coordinator.command sent")
	return env.CorrelationID, nil
}

// ClearBlacklist lets every identity trigger a new round again. Open rounds
// are abandoned and late answers to them are ignored.
func (c *Coordinator) ClearBlacklist() int {
	n, rounds := c.state.clearBlacklist()
	log.Info().Int("entries", n).Int("rounds", rounds).Msg("coordinator.Coordinator.ClearBlacklist")
	return n
}

// Blacklist maps identities to the unix milli timestamp they were last
// handled at. Zero means a round installed a consumer.
func (c *Coordinator) Blacklist() map[string]int64 {
	return c.state.blacklistSnapshot()
}

func (c *Coordinator) BlacklistLen() int {
	return c.state.blacklistLen()
}

// Rounds lists the open rounds by identity.
func (c *Coordinator) Rounds() []Round {
	return c.state.snapshot()
}
