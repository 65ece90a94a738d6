// Package envelope defines the messages nodes exchange over the bus. Every
// message is an Envelope carrying exactly one Payload variant.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgeinstall/internal/sponsor"
	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Kind names a payload variant.
type Kind string

const (
	KindInstallRequest  Kind = "install.request"
	KindInstallResponse Kind = "install.response"
	KindBidRequest      Kind = "bid.request"
	KindBidResponse     Kind = "bid.response"
	KindInstallCommand  Kind = "install.command"
	KindAlert           Kind = "alert"
	KindEvent           Kind = "event"
)

// Payload is implemented by every message body.
type Payload interface {
	Kind() Kind
	Validate() error
	isPayload()
}

// Envelope is the routing wrapper for every bus message. An empty
// TargetNode broadcasts to every node, the sender included.
type Envelope struct {
	SourceNode    string
	TargetNode    string
	Timestamp     time.Time
	CorrelationID string
	Payload       Payload
}

// New stamps a fresh envelope from source.
func New(source, target string, p Payload) Envelope {
	return Envelope{
		SourceNode:    source,
		TargetNode:    target,
		Timestamp:     time.Now(),
		CorrelationID: uuid.NewString(),
		Payload:       p,
	}
}

// Reply addresses p back to the sender of e under the same correlation id.
func (e Envelope) Reply(from string, p Payload) Envelope {
	return Envelope{
		SourceNode:    from,
		TargetNode:    e.SourceNode,
		Timestamp:     time.Now(),
		CorrelationID: e.CorrelationID,
		Payload:       p,
	}
}

func (e Envelope) Broadcast() bool {
	return e.TargetNode == ""
}

// For reports whether node should receive e.
func (e Envelope) For(node string) bool {
	return e.Broadcast() || e.TargetNode == node
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.SourceNode) == "" {
		return fmt.Errorf("%w: missing source node", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("%w: missing correlation id", ErrInvalidEnvelope)
	}
	if e.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	if err := e.Payload.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, e.Payload.Kind(), err)
	}
	return nil
}

func (e Envelope) String() string {
	kind := Kind("none")
	if e.Payload != nil {
		kind = e.Payload.Kind()
	}
	target := e.TargetNode
	if target == "" {
		target = "*"
	}
	return fmt.Sprintf("%s %s->%s cid=%s", kind, e.SourceNode, target, e.CorrelationID)
}

// Action is the install orchestrator operation requested.
type Action string

const (
	ActionInstall   Action = "INSTALL"
	ActionUpdate    Action = "UPDATE"
	ActionUninstall Action = "UNINSTALL"
	ActionReset     Action = "RESET"
)

func (a Action) Valid() bool {
	switch a {
	case ActionInstall, ActionUpdate, ActionUninstall, ActionReset:
		return true
	}
	return false
}

// ResponseCode is the outcome of an install request.
type ResponseCode string

const (
	CodeSuccess    ResponseCode = "SUCCESS"
	CodeBadRequest ResponseCode = "BAD_REQUEST"
	CodeFail       ResponseCode = "FAIL"
)

// InstallRequest asks a node's orchestrator to change what is installed.
type InstallRequest struct {
	Action       Action          `json:"action"`
	Sponsor      sponsor.Sponsor `json:"sponsor"`
	OldSponsor   sponsor.Sponsor `json:"old_sponsor,omitempty"`
	Name         string          `json:"name,omitempty"`
	Indexes      []string        `json:"indexes,omitempty"`
	Requirements []string        `json:"requirements,omitempty"`
}

func (InstallRequest) Kind() Kind { return KindInstallRequest }
func (InstallRequest) isPayload() {}

// Validate checks only the shape needed for transport; the orchestrator
// applies the full per-action rules.
func (r InstallRequest) Validate() error {
	if !r.Action.Valid() {
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// InstallResponse answers exactly one InstallRequest.
type InstallResponse struct {
	Code     ResponseCode   `json:"code"`
	Messages []string       `json:"messages"`
	Request  InstallRequest `json:"request"`
}

func (InstallResponse) Kind() Kind { return KindInstallResponse }
func (InstallResponse) isPayload() {}

func (r InstallResponse) Validate() error {
	switch r.Code {
	case CodeSuccess, CodeBadRequest, CodeFail:
		return nil
	}
	return fmt.Errorf("unknown response code %q", r.Code)
}
