package admin

import (
	"github.com/danmuck/edgeinstall/internal/coordinator"
	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/installer"
	"github.com/danmuck/edgeinstall/internal/modhost"
	"github.com/danmuck/edgeinstall/internal/resolver"
	"github.com/danmuck/edgeinstall/internal/sponsor"
)

// FunctionRequest is the body of install and update calls. Empty indexes
// fall back to the node's configured indexes.
type FunctionRequest struct {
	Sponsor      sponsor.Sponsor `json:"sponsor"`
	OldSponsor   sponsor.Sponsor `json:"old_sponsor,omitempty"`
	Indexes      []string        `json:"indexes,omitempty"`
	Requirements []string        `json:"requirements,omitempty"`
}

// BehaviourRequest targets one behaviour at one node.
type BehaviourRequest struct {
	Node         string `json:"node"`
	SymbolicName string `json:"symbolic_name"`
	Version      string `json:"version"`
	Name         string `json:"name,omitempty"`
}

func (r BehaviourRequest) behaviour() resolver.Behaviour {
	return resolver.Behaviour{Name: r.Name, SymbolicName: r.SymbolicName, Version: r.Version}
}

type CommandResponse struct {
	Node          string `json:"node"`
	CorrelationID string `json:"correlation_id"`
}

type FunctionsResponse struct {
	Functions map[string]string `json:"functions"`
	Status    installer.Status  `json:"status"`
}

type UnitsResponse struct {
	Units   []modhost.Unit   `json:"units"`
	Records []sponsor.Record `json:"records"`
}

type BlacklistResponse struct {
	Blacklist map[string]int64    `json:"blacklist"`
	Rounds    []coordinator.Round `json:"rounds"`
}

type BehavioursResponse struct {
	Behaviours []resolver.Behaviour `json:"behaviours"`
}

type InstallResponse = envelope.InstallResponse
